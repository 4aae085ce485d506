package config

import (
	"time"

	"github.com/prl900/ee_unmix/rastreader"
)

const assetRoot = "users/jonaspimentel97/"

var pantanalScenes = []string{
	"LANDSAT/LC08/C02/T1_TOA/LC08_226073_20200313",
	"LANDSAT/LC08/C02/T1_TOA/LC08_227074_20200116",
	"LANDSAT/LC08/C02/T1_TOA/LC08_226074_20200313",
	"LANDSAT/LC08/C02/T1_TOA/LC08_226072_20200313",
	"LANDSAT/LC08/C02/T1_TOA/LC08_225073_20200423",
	"LANDSAT/LC08/C02/T1_TOA/LC08_227071_20200421",
	"LANDSAT/LC08/C02/T1_TOA/LC08_227073_20200304",
	"LANDSAT/LC08/C02/T1_TOA/LC08_227072_20200116",
	"LANDSAT/LC08/C02/T1_TOA/LC08_226071_20200313",
	"LANDSAT/LC08/C02/T1_TOA/LC08_225072_20200423",
	"LANDSAT/LC08/C02/T1_TOA/LC08_225074_20200423",
	"LANDSAT/LC08/C02/T1_TOA/LC08_226075_20200125",
	"LANDSAT/LC08/C02/T1_TOA/LC08_228071_20200428",
	"LANDSAT/LC08/C02/T1_TOA/LC08_227075_20200421",
	"LANDSAT/LC08/C02/T1_TOA/LC08_228072_20200428",
}

const (
	greenBanner = "linear-gradient(to right, #4CAF50, #2E8B57)"
	blueBanner  = "linear-gradient(to right, #1E90FF, #4682B4)"
	imageRoot   = "https://github.com/Jonaspimentel97/espectral-unmixing-gee/blob/main/"
)

// Default returns the configuration of the Pantanal wet season 2020 study.
func Default() *Config {
	return &Config{
		Listen:         ":8080",
		Project:        "",
		CredentialsEnv: "EE_SERVICE_ACCOUNT_JSON",
		BaseURL:        "https://earthengine.googleapis.com/v1",
		Timeout:        2 * time.Minute,
		MapTTL:         4 * time.Hour,
		RetryAfter:     30 * time.Second,
		LogLevel:       "info",
		Analysis: Analysis{
			StudyArea: assetRoot + "pantanal",
			Regions: Regions{
				Bare:       assetRoot + "bare1",
				Vegetation: assetRoot + "vegetation1",
				Water:      assetRoot + "water1",
			},
			Scenes:      append([]string(nil), pantanalScenes...),
			Bands:       []string{"B2", "B3", "B4", "B5", "B6", "B7"},
			Scale:       30,
			Zoom:        7,
			SumToOne:    true,
			NonNegative: true,
			NDWIBands:   []string{"B3", "B5"},
			MNDWIBands:  []string{"B3", "B6"},
			RGBBands:    []string{"B4", "B3", "B2"},
		},
		Layers: rastreader.Layers{
			{Name: "unmix", Title: "Modelo Linear de Mistura Espectral", Abstract: "Fractions of bare soil, vegetation and water",
				Bands: []string{"bare", "vegetation", "water"}, MinVal: 0, MaxVal: 1, NoData: -9999, Shown: true},
			{Name: "ndwi", Title: "NDWI", Abstract: "Normalized difference water index (B3, B5)",
				Bands: []string{"NDWI"}, MinVal: 0, MaxVal: 1, NoData: -9999, Palette: []string{"white", "blue"}, Shown: true},
			{Name: "mndwi", Title: "MNDWI", Abstract: "Modified normalized difference water index (B3, B6)",
				Bands: []string{"MNDWI"}, MinVal: 0, MaxVal: 1, NoData: -9999, Palette: []string{"white", "blue"}, Shown: true},
			{Name: "rgb", Title: "Mosaico RGB", Abstract: "Landsat 8 true colour mosaic",
				Bands: []string{"B4", "B3", "B2"}, MinVal: 0, MaxVal: 0.3, NoData: -9999},
			{Name: "mixing_index", Title: "Mixing Index", Abstract: "Mean absolute pairwise difference of the fractions",
				Bands: []string{"mixing_index"}, MinVal: 0, MaxVal: 1, NoData: -9999, Palette: []string{"white", "red"}},
		},
		Cache: Cache{MaxEntries: 4096, Prefix: "tiles/"},
		WMS:   WMS{MaxArea: 4e11, MinResolution: 1, MaxSize: 2048},
		Page: Page{
			Title:     "USO DA MISTURA ESPECTRAL COMO FORMA DE AVALIAÇÃO DOS ÍNDICES NDWI E MNDWI PARA O PANTANAL BRASILEIRO",
			ScriptURL: "https://code.earthengine.google.com/e9943c519a8cc7eb34c3179a07698191",
			Height:    1000,
			Sections: []Section{
				{
					Heading: "🌎 Contextualização",
					Body: `<ul>
<li><b>📡 Satélite:</b> Landsat 8 (Surface Reflectance)</li>
<li><b>📅 Período:</b> Úmido de 2020</li>
</ul>
<h3>📊 Índices Espectrais</h3>
<ul>
<li><b>NDWI:</b> Destaca corpos d'água abertos<ul><li>🧮 Fórmula: <i>(NIR - SWIR) / (NIR + SWIR)</i></li></ul></li>
<li><b>MNDWI:</b> Melhora a identificação de corpos d'água<ul><li>🧮 Fórmula: <i>(GREEN - SWIR) / (GREEN + SWIR)</i></li></ul></li>
</ul>
<h3>🔎 Processamento no Google Earth Engine (GEE)</h3>
<ul>
<li><b>15 cenas do Pantanal</b> (Bandas: 2, 3, 4, 5, 6 e 7)</li>
<li><b>Função:</b> <code>reduceRegion</code></li>
</ul>
<h3>🔬 Modelo de Mistura Espectral (MLME)</h3>
<ul>
<li><b>Função:</b> <code>unmix</code></li>
<li><b>Baseado em endmembers (assinaturas puras):</b> 🌱 Vegetação, 🏜 Solo, 💧 Água</li>
</ul>`,
				},
				{
					Heading:    "🛰️ Comparação NDWI x MNDWI",
					Background: blueBanner,
					Body:       `<ul><li><b>Áreas analisadas</b>: MNDWI detectou mais água que o NDWI.</li></ul>`,
					Images:     []Image{{URL: imageRoot + "1.png?raw=true", Caption: "NDWI e MNDWI do Pantanal"}},
				},
				{
					Heading:    "🌊 Eficiência do MNDWI",
					Background: blueBanner,
					Body: `<h3>🔬 Análise de Mistura Espectral</h3>
<ul>
<li>Corpos d’água com até <b>35% de vegetação</b> → Melhor detectados pelo <b>MNDWI</b>.</li>
<li><b>Limiar de 75%</b> foi definido para classificar corpos d’água.</li>
<li><b>MNDWI se destaca</b> na identificação de água em regiões com alta mistura espectral.</li>
</ul>`,
					Images: []Image{
						{URL: imageRoot + "2.png?raw=true", Caption: "Percentual de Cada Componente com Base no Modelo de Fração."},
						{URL: imageRoot + "3.png?raw=true", Caption: "Comparação entre MNDWI (A), NDWI (B) e Imagem de Frações (C)"},
					},
				},
				{
					Heading:    "📜 Código Google Earth Engine",
					Background: "green",
					Body:       `<p>Clique no botão abaixo para acessar o script diretamente no GEE:</p>`,
				},
			},
		},
	}
}

// Banner is the background of the page title block.
const Banner = greenBanner
