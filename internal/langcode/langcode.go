// Package langcode maps the application's language codes to the codes the
// NLLB translation endpoint expects, and detects the script of "auto" input.
package langcode

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Auto asks the service to detect the source language.
const Auto = "auto"

// Language is one supported language.
type Language struct {
	Code string `yaml:"code" json:"code"`
	Name string `yaml:"name" json:"name"`
	NLLB string `yaml:"nllb" json:"nllb"`
}

var builtin = []Language{
	{"zh", "Chinese (Simplified)", "zho_Hans"},
	{"en", "English", "eng_Latn"},
	{"es", "Spanish", "spa_Latn"},
	{"fr", "French", "fra_Latn"},
	{"pt", "Portuguese", "por_Latn"},
	{"ar", "Arabic", "arb_Arab"},
	{"hi", "Hindi", "hin_Deva"},
	{"th", "Thai", "tha_Thai"},
	{"vi", "Vietnamese", "vie_Latn"},
	{"id", "Indonesian", "ind_Latn"},
	{"ms", "Malay", "zsm_Latn"},
	{"tl", "Filipino", "fil_Latn"},
	{"km", "Khmer", "khm_Khmr"},
	{"lo", "Lao", "lao_Laoo"},
	{"my", "Burmese", "mya_Mymr"},
	{"si", "Sinhala", "sin_Sinh"},
	{"ja", "Japanese", "jpn_Jpan"},
	{"ko", "Korean", "kor_Hang"},
	{"ru", "Russian", "rus_Cyrl"},
	{"de", "German", "deu_Latn"},
	{"it", "Italian", "ita_Latn"},
	{"nl", "Dutch", "nld_Latn"},
	{"pl", "Polish", "pol_Latn"},
	{"tr", "Turkish", "tur_Latn"},
	{"he", "Hebrew", "heb_Hebr"},
	{"fa", "Persian", "pes_Arab"},
	{"ur", "Urdu", "urd_Arab"},
	{"bn", "Bengali", "ben_Beng"},
	{"ta", "Tamil", "tam_Taml"},
	{"te", "Telugu", "tel_Telu"},
	{"ml", "Malayalam", "mal_Mlym"},
	{"kn", "Kannada", "kan_Knda"},
	{"gu", "Gujarati", "guj_Gujr"},
	{"pa", "Punjabi", "pan_Guru"},
	{"ne", "Nepali", "npi_Deva"},
	{"sw", "Swahili", "swh_Latn"},
	{"am", "Amharic", "amh_Ethi"},
	{"ha", "Hausa", "hau_Latn"},
	{"ig", "Igbo", "ibo_Latn"},
	{"yo", "Yoruba", "yor_Latn"},
	{"zu", "Zulu", "zul_Latn"},
	{"xh", "Xhosa", "xho_Latn"},
	{"mg", "Malagasy", "plt_Latn"},
	{"ht", "Haitian Creole", "hat_Latn"},
	{"ps", "Pashto", "pbt_Arab"},
	{"sd", "Sindhi", "snd_Arab"},
	{"ky", "Kyrgyz", "kir_Cyrl"},
	{"tg", "Tajik", "tgk_Cyrl"},
	{"mn", "Mongolian", "khk_Cyrl"},
}

// Table is an immutable lookup of supported languages. Safe for concurrent use.
type Table struct {
	byCode map[string]Language
}

// Default returns the built-in table.
func Default() *Table {
	return newTable(builtin, nil)
}

func newTable(base, extra []Language) *Table {
	t := &Table{byCode: make(map[string]Language, len(base)+len(extra))}
	for _, l := range append(append([]Language{}, base...), extra...) {
		l.Code = normalize(l.Code)
		t.byCode[l.Code] = l
	}
	return t
}

type fileFormat struct {
	Languages []Language `yaml:"languages"`
}

// LoadFile returns the built-in table extended (or overridden) by the
// languages listed in a YAML file. An empty path returns Default().
func LoadFile(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read language map: %w", err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse language map: %w", err)
	}
	for i, l := range f.Languages {
		if strings.TrimSpace(l.Code) == "" || strings.TrimSpace(l.NLLB) == "" {
			return nil, fmt.Errorf("language map entry %d: code and nllb are required", i)
		}
	}
	return newTable(builtin, f.Languages), nil
}

// Lookup finds a language by code. Region variants fall back to the base
// language ("pt-BR" -> "pt").
func (t *Table) Lookup(code string) (Language, bool) {
	code = normalize(code)
	if l, ok := t.byCode[code]; ok {
		return l, true
	}
	if base, _, found := strings.Cut(code, "-"); found {
		l, ok := t.byCode[base]
		return l, ok
	}
	return Language{}, false
}

func (t *Table) Supported(code string) bool {
	_, ok := t.Lookup(code)
	return ok
}

// ToNLLB maps an application code to the endpoint's code. Unknown codes are
// returned unchanged.
func (t *Table) ToNLLB(code string) string {
	if l, ok := t.Lookup(code); ok {
		return l.NLLB
	}
	return code
}

// List returns all languages sorted by code.
func (t *Table) List() []Language {
	out := make([]Language, 0, len(t.byCode))
	for _, l := range t.byCode {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Detect guesses the source language from the script of text. Kana wins over
// Han so Japanese with kanji is not reported as Chinese.
func Detect(text string) string {
	var han, kana, hangul bool
	for _, r := range text {
		switch {
		case unicode.In(r, unicode.Hiragana, unicode.Katakana):
			kana = true
		case unicode.Is(unicode.Hangul, r):
			hangul = true
		case unicode.Is(unicode.Han, r):
			han = true
		}
	}
	switch {
	case kana:
		return "ja"
	case hangul:
		return "ko"
	case han:
		return "zh"
	default:
		return "en"
	}
}

func normalize(code string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(code)), "_", "-")
}
