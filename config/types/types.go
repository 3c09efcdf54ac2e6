// Package types defines the versioned-resource shape every config/<version>
// package's Config type implements. No upstream types package is part of
// this module (the teacher's own config/v1alpha1.Config embeds one from
// outside this retrieved pack), so it is reconstructed here from how the
// teacher's Config struct and GetConfigByKind function use it.
package types

// TypeMeta is embedded in every versioned Config struct so a generic
// loader can sniff which concrete type to unmarshal into before parsing
// the rest of the document.
type TypeMeta struct {
	Kind       string `yaml:"kind" mapstructure:"kind"`
	APIVersion string `yaml:"apiVersion" mapstructure:"apiVersion"`
}

// Config is the interface every versioned configuration type satisfies.
type Config interface {
	GetKind() string
	GetAPIVersion() string
}
