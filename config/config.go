// Package config loads the service configuration. Defaults reproduce the
// Pantanal analysis; a YAML file overrides any field.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/prl900/ee_unmix/rastreader"
)

type Config struct {
	Listen          string            `yaml:"listen"`
	Project         string            `yaml:"project"`
	CredentialsEnv  string            `yaml:"credentials_env"`
	CredentialsFile string            `yaml:"credentials_file"`
	BaseURL         string            `yaml:"base_url"`
	Timeout         time.Duration     `yaml:"timeout"`
	MapTTL          time.Duration     `yaml:"map_ttl"`
	RetryAfter      time.Duration     `yaml:"retry_after"`
	LogLevel        string            `yaml:"log_level"`
	Analysis        Analysis          `yaml:"analysis"`
	Layers          rastreader.Layers `yaml:"layers"`
	Cache           Cache             `yaml:"cache"`
	WMS             WMS               `yaml:"wms"`
	Page            Page              `yaml:"page"`
}

type Regions struct {
	Bare       string `yaml:"bare"`
	Vegetation string `yaml:"vegetation"`
	Water      string `yaml:"water"`
}

type Analysis struct {
	StudyArea   string   `yaml:"study_area"`
	Regions     Regions  `yaml:"regions"`
	Scenes      []string `yaml:"scenes"`
	Bands       []string `yaml:"bands"`
	Scale       float64  `yaml:"scale"`
	Zoom        int      `yaml:"zoom"`
	SumToOne    bool     `yaml:"sum_to_one"`
	NonNegative bool     `yaml:"non_negative"`
	NDWIBands   []string `yaml:"ndwi_bands"`
	MNDWIBands  []string `yaml:"mndwi_bands"`
	RGBBands    []string `yaml:"rgb_bands"`
}

type Cache struct {
	MaxEntries int    `yaml:"max_entries"`
	Bucket     string `yaml:"bucket"`
	Prefix     string `yaml:"prefix"`
}

type WMS struct {
	MaxArea       float64 `yaml:"max_area"`
	MinResolution float64 `yaml:"min_resolution"`
	MaxSize       int     `yaml:"max_size"`
}

type Image struct {
	URL     string `yaml:"url"`
	Caption string `yaml:"caption"`
}

// Section is one block of the sidebar. Body is trusted HTML.
type Section struct {
	Heading    string  `yaml:"heading"`
	Background string  `yaml:"background"`
	Body       string  `yaml:"body"`
	Images     []Image `yaml:"images"`
}

type Page struct {
	Title     string    `yaml:"title"`
	Sections  []Section `yaml:"sections"`
	ScriptURL string    `yaml:"script_url"`
	Height    int       `yaml:"height"`
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("Error trying to read %s file: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("Error parsing %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	a := c.Analysis
	switch {
	case a.StudyArea == "":
		return errors.New("analysis.study_area is empty")
	case a.Regions.Bare == "" || a.Regions.Vegetation == "" || a.Regions.Water == "":
		return errors.New("analysis.regions needs bare, vegetation and water")
	case len(a.Scenes) == 0:
		return errors.New("analysis.scenes is empty")
	case len(a.Bands) == 0:
		return errors.New("analysis.bands is empty")
	case a.Scale <= 0:
		return fmt.Errorf("analysis.scale must be positive, got %v", a.Scale)
	case len(a.NDWIBands) != 2 || len(a.MNDWIBands) != 2:
		return errors.New("ndwi_bands and mndwi_bands need two bands each")
	case len(a.RGBBands) != 3:
		return errors.New("rgb_bands needs three bands")
	}

	seen := map[string]bool{}
	for _, l := range c.Layers {
		if err := l.Validate(); err != nil {
			return err
		}
		if !rastreader.IsProduct(l.Name) {
			return fmt.Errorf("layer %s is not a product, want one of %v", l.Name, rastreader.Products)
		}
		if seen[l.Name] {
			return fmt.Errorf("layer %s defined twice", l.Name)
		}
		seen[l.Name] = true
	}
	return nil
}

// Fingerprint is a short id of the analysis and the layer styling. Tiles
// rendered under another fingerprint are stale.
func (c *Config) Fingerprint() string {
	b, err := yaml.Marshal(struct {
		Analysis Analysis
		Layers   rastreader.Layers
	}{c.Analysis, c.Layers})
	if err != nil {
		return "unversioned"
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, b).String()[:8]
}

// LoadEnv reads .env style files into the environment. Missing files are
// ignored.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("Error loading %s: %w", f, err)
		}
	}
	return nil
}

// Credentials returns the service account JSON from the configured
// environment variable, falling back to the configured file. It returns nil
// when neither is set.
func (c *Config) Credentials() ([]byte, error) {
	if c.CredentialsEnv != "" {
		if v := os.Getenv(c.CredentialsEnv); v != "" {
			return []byte(v), nil
		}
	}
	if c.CredentialsFile != "" {
		b, err := os.ReadFile(c.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("Error reading credentials: %w", err)
		}
		return b, nil
	}
	return nil, nil
}
