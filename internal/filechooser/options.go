package filechooser

import (
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// OpenOptions are the recognised options of an open request.
type OpenOptions struct {
	Folder    string `mapstructure:"current_folder" json:"current_folder,omitempty"`
	Multiple  bool   `mapstructure:"multiple" json:"multiple,omitempty"`
	Directory bool   `mapstructure:"directory" json:"directory,omitempty"`
}

// SaveOptions are the recognised options of a save request.
type SaveOptions struct {
	Folder string `mapstructure:"current_folder" json:"current_folder,omitempty"`
	Name   string `mapstructure:"current_name" json:"current_name,omitempty"`
}

// DecodeOpenOptions decodes a loosely typed option map. Unknown keys are
// returned rather than rejected.
func DecodeOpenOptions(raw map[string]any) (OpenOptions, []string, error) {
	var out OpenOptions
	unused, err := decodeOptions(raw, &out)
	return out, unused, err
}

// DecodeSaveOptions decodes a loosely typed option map. Unknown keys are
// returned rather than rejected.
func DecodeSaveOptions(raw map[string]any) (SaveOptions, []string, error) {
	var out SaveOptions
	unused, err := decodeOptions(raw, &out)
	return out, unused, err
}

func decodeOptions(raw map[string]any, out any) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Metadata:         &md,
		Result:           out,
	})
	if err != nil {
		return nil, fmt.Errorf("build options decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	sort.Strings(md.Unused)
	return md.Unused, nil
}
