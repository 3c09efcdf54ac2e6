// Package config loads versioned device configuration. A document's
// apiVersion selects which concrete package (currently only v1alpha1)
// parses the rest of it, the same kind/apiVersion-sniffing shape the
// teacher's config/v1alpha1 package exposes through GetConfigByKind.
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/noisemesh/meshchat/config/types"
	"github.com/noisemesh/meshchat/config/v1alpha1"
)

// FromYAML parses raw YAML into the concrete versioned Config selected by
// its apiVersion and kind fields.
func FromYAML(data []byte) (types.Config, error) {
	var meta types.TypeMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("config: parse apiVersion/kind: %w", err)
	}

	switch meta.APIVersion {
	case v1alpha1.ApiVersion:
		cfg, err := v1alpha1.GetConfigByKind(meta.Kind)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: unmarshal %s/%s: %w", meta.APIVersion, meta.Kind, err)
		}
		return cfg, nil
	default:
		return nil, fmt.Errorf("config: unsupported apiVersion %q", meta.APIVersion)
	}
}
