package main

import (
	"context"
	"fmt"
	"image/png"
	"net/http"
	"os"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/terrascope/geometry"
	"google.golang.org/api/option"

	"github.com/prl900/ee_unmix/config"
	"github.com/prl900/ee_unmix/rastreader"
	"github.com/prl900/ee_unmix/tilecache"
	"github.com/prl900/ee_unmix/unmix"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the dashboard page, map tiles and WMS",
	RunE:  runServe,
}

var endmembersCmd = &cobra.Command{
	Use:   "endmembers",
	Short: "Compute and print the bare, vegetation and water endmembers",
	RunE:  runEndmembers,
}

var tileCmd = &cobra.Command{
	Use:   "tile",
	Short: "Render one layer over a Web Mercator bounding box to a PNG file",
	RunE:  runTile,
}

var (
	endmembersMarkdown bool

	tileLayer string
	tileBBox  string
	tileSize  int
	tileOut   string
)

func init() {
	endmembersCmd.Flags().BoolVar(&endmembersMarkdown, "markdown", false, "print a Markdown table")

	tileCmd.Flags().StringVarP(&tileLayer, "layer", "l", "ndwi", "layer name")
	tileCmd.Flags().StringVarP(&tileBBox, "bbox", "b", "", "minx,miny,maxx,maxy in EPSG:3857")
	tileCmd.Flags().IntVarP(&tileSize, "size", "s", 256, "width and height in pixels")
	tileCmd.Flags().StringVarP(&tileOut, "output", "o", "tile.png", "output file")
	tileCmd.MarkFlagRequired("bbox")
}

// tileCache is the in-process LRU, backed by a bucket when one is configured.
func tileCache(ctx context.Context, cfg *config.Config) tilecache.Cache {
	mem := tilecache.NewMemory(cfg.Cache.MaxEntries)
	if cfg.Cache.Bucket == "" {
		return mem
	}
	creds, err := cfg.Credentials()
	if err != nil || creds == nil {
		log.WithError(err).Warn("no credentials for the tile bucket, using memory only")
		return mem
	}
	client, err := storage.NewClient(ctx, option.WithCredentialsJSON(creds))
	if err != nil {
		log.WithError(err).Warn("tile bucket unavailable, using memory only")
		return mem
	}
	log.WithField("bucket", cfg.Cache.Bucket).Info("caching tiles in bucket")
	return tilecache.Chain{mem, tilecache.NewBucket(client.Bucket(cfg.Cache.Bucket), cfg.Cache.Prefix)}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	dash := newDashboard(ctx, cfg, tileCache(ctx, cfg))
	srv := newServer(cfg, dash)

	log.WithField("addr", cfg.Listen).Info("listening")
	return http.ListenAndServe(cfg.Listen, srv.routes())
}

func runEndmembers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	client, _, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	pipe := unmix.New(client, cfg.Analysis)
	em, err := pipe.Endmembers(ctx, pipe.Mosaic())
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	header := table.Row{"class"}
	for _, b := range cfg.Analysis.Bands {
		header = append(header, b)
	}
	t.AppendHeader(header)
	cols := []table.ColumnConfig{}
	for i, row := range em.Rows() {
		r := table.Row{unmix.ClassNames[i]}
		for _, v := range row {
			r = append(r, strconv.FormatFloat(v, 'f', 4, 64))
		}
		t.AppendRow(r)
	}
	for i := range cfg.Analysis.Bands {
		cols = append(cols, table.ColumnConfig{Number: i + 2, Align: text.AlignRight})
	}
	t.SetColumnConfigs(cols)

	if endmembersMarkdown {
		t.RenderMarkdown()
	} else {
		t.Render()
	}
	return nil
}

func parseBBox(s string) (geometry.BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return geometry.BoundingBox{}, fmt.Errorf("bbox needs four values, got %q", s)
	}
	var pts [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geometry.BoundingBox{}, fmt.Errorf("Malformed bbox %q: %v", s, err)
		}
		pts[i] = v
	}
	if pts[2] <= pts[0] || pts[3] <= pts[1] {
		return geometry.BoundingBox{}, fmt.Errorf("empty bbox %q", s)
	}
	return geometry.BBox(pts[0], pts[1], pts[2], pts[3]), nil
}

func runTile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	bbox, err := parseBBox(tileBBox)
	if err != nil {
		return err
	}
	if bbox.Area() > cfg.WMS.MaxArea {
		return fmt.Errorf("Too big area: %f", bbox.Area())
	}
	layer, ok := cfg.Layers.Get(tileLayer)
	if !ok {
		return fmt.Errorf("Layer not found: %q", tileLayer)
	}

	client, _, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	res, err := unmix.New(client, cfg.Analysis).Run(ctx)
	if err != nil {
		return err
	}
	img, _ := res.Image(layer.Name)

	out, err := rastreader.GenerateTile(ctx, client, layer, img, tileSize, tileSize, bbox, cfg.WMS.MinResolution)
	if err != nil {
		return err
	}

	f, err := os.Create(tileOut)
	if err != nil {
		return err
	}
	if err := png.Encode(f, out); err != nil {
		f.Close()
		return fmt.Errorf("Error PNG encoding tile: %v", err)
	}
	log.WithFields(log.Fields{"layer": layer.Name, "file": tileOut}).Info("tile written")
	return f.Close()
}
