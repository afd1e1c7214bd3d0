package whisper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultModel is the smallest English-only model.
const DefaultModel = "tiny.en"

const modelBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

type Model struct {
	Name        string
	FileName    string
	URL         string
	Checksum    string
	EnglishOnly bool
}

type ResolvedModel struct {
	Name          string
	Path          string
	URL           string
	Checksum      string
	NeedsDownload bool
	IsCustomPath  bool
}

var registry = map[string]Model{
	"tiny.en":   englishModel("tiny.en", "c78c86eb1a8faa21b369bcd33207cc90d64ae9df"),
	"base.en":   englishModel("base.en", "137c40403d78fd54d454da0f9bd998f78703390c"),
	"small.en":  englishModel("small.en", "db8a495a91d927739e50b3fc1cc4c6b8f6c2d022"),
	"medium.en": englishModel("medium.en", "8c30f0e44ce9560643ebd10bbe50cd20eafd3723"),
	"tiny": {
		Name:     "tiny",
		FileName: "ggml-tiny.bin",
		URL:      modelBaseURL + "ggml-tiny.bin",
		Checksum: "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21",
	},
	"base": {
		Name:     "base",
		FileName: "ggml-base.bin",
		URL:      modelBaseURL + "ggml-base.bin",
		Checksum: "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe",
	},
	"small": {
		Name:     "small",
		FileName: "ggml-small.bin",
		URL:      modelBaseURL + "ggml-small.bin",
		Checksum: "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b",
	},
}

func englishModel(name, checksum string) Model {
	fileName := "ggml-" + name + ".bin"
	return Model{
		Name:        name,
		FileName:    fileName,
		URL:         modelBaseURL + fileName,
		Checksum:    checksum,
		EnglishOnly: true,
	}
}

func ModelNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func LookupModel(name string) (Model, bool) {
	model, ok := registry[name]
	return model, ok
}

func ResolveModel(modelRef, modelDir string) (ResolvedModel, error) {
	modelRef = strings.TrimSpace(modelRef)
	if modelRef == "" {
		modelRef = DefaultModel
	}

	if model, ok := LookupModel(modelRef); ok {
		if strings.TrimSpace(modelDir) == "" {
			return ResolvedModel{}, errors.New("model directory must not be empty for named model")
		}

		modelPath := filepath.Join(modelDir, model.FileName)
		_, statErr := os.Stat(modelPath)
		if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
			return ResolvedModel{}, fmt.Errorf("stat model path: %w", statErr)
		}

		return ResolvedModel{
			Name:          model.Name,
			Path:          modelPath,
			URL:           model.URL,
			Checksum:      model.Checksum,
			NeedsDownload: errors.Is(statErr, os.ErrNotExist),
		}, nil
	}

	if !looksLikePath(modelRef) {
		return ResolvedModel{}, fmt.Errorf("unknown model %q (known models: %s)", modelRef, strings.Join(ModelNames(), ", "))
	}

	customPath := filepath.Clean(modelRef)
	if _, err := os.Stat(customPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ResolvedModel{}, fmt.Errorf("custom model path does not exist: %s", customPath)
		}
		return ResolvedModel{}, fmt.Errorf("stat custom model path: %w", err)
	}

	return ResolvedModel{
		Name:         filepath.Base(customPath),
		Path:         customPath,
		IsCustomPath: true,
	}, nil
}

func looksLikePath(input string) bool {
	return strings.ContainsRune(input, os.PathSeparator) || strings.HasSuffix(strings.ToLower(input), ".bin")
}
