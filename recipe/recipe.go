// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package recipe defines the build recipe format used by the farm:
// a content-addressed description of a single build action,
// stored as a JSON document in a zb store.
package recipe

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	jsonv2 "github.com/go-json-experiment/json"
	"zb.256lights.llc/pkg/zbstore"
)

// Ext is the file extension for a marshalled [Recipe].
const Ext = ".recipe"

// A Recipe represents a single, specific, constant build action.
type Recipe struct {
	// Name is the human-readable name of the recipe,
	// i.e. the part after the digest in the store object name.
	Name string `json:"name"`
	// Platform is a string representing the OS and architecture tuple
	// that this recipe is intended to run on.
	Platform string `json:"platform"`
	// Builder is the path to the program to run the build.
	Builder string `json:"builder"`
	// Args is the list of arguments that should be passed to the builder program.
	Args []string `json:"args,omitempty"`
	// Env is the environment variables that should be passed to the builder program.
	Env map[string]string `json:"env,omitempty"`

	// InputRecipes is the set of recipes whose outputs this recipe depends on.
	InputRecipes []zbstore.Path `json:"inputRecipes,omitempty"`
	// InputSources is the set of source store objects that this recipe depends on.
	InputSources []zbstore.Path `json:"inputSources,omitempty"`
	// Outputs is the set of store paths that the build action produces,
	// keyed by output name.
	Outputs map[string]zbstore.Path `json:"outputs"`

	// RequiredFeatures is the set of features a machine must advertise
	// to be eligible to build this recipe.
	RequiredFeatures []string `json:"requiredFeatures,omitempty"`
	// PreferLocal indicates that the recipe is cheap enough
	// that transferring it to a remote machine is likely wasted work.
	PreferLocal bool `json:"preferLocal,omitempty"`
}

// Parse parses a recipe from its JSON store object representation.
// name should be the recipe's name as returned by [PathName].
func Parse(name string, data []byte) (*Recipe, error) {
	r := new(Recipe)
	if err := jsonv2.Unmarshal(data, r, jsonv2.RejectUnknownMembers(false)); err != nil {
		return nil, fmt.Errorf("parse %s recipe: %v", name, err)
	}
	if r.Name == "" {
		r.Name = name
	} else if r.Name != name {
		return nil, fmt.Errorf("parse %s recipe: name field is %q", name, r.Name)
	}
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("parse %s recipe: %v", name, err)
	}
	return r, nil
}

// MarshalText marshals the recipe to its JSON store object representation.
func (r *Recipe) MarshalText() ([]byte, error) {
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("marshal %s recipe: %v", r.Name, err)
	}
	// plainRecipe has Recipe's fields but not its methods,
	// so marshaling it does not call MarshalText again.
	type plainRecipe Recipe
	return jsonv2.Marshal((*plainRecipe)(r), jsonv2.Deterministic(true))
}

func (r *Recipe) validate() error {
	if r.Platform == "" {
		return fmt.Errorf("missing platform")
	}
	if r.Builder == "" {
		return fmt.Errorf("missing builder")
	}
	if len(r.Outputs) == 0 {
		return fmt.Errorf("recipe has no outputs")
	}
	for outputName, outputPath := range r.Outputs {
		if outputName == "" {
			return fmt.Errorf("empty output name")
		}
		if _, err := zbstore.ParsePath(string(outputPath)); err != nil {
			return fmt.Errorf("output %s: %v", outputName, err)
		}
	}
	for _, input := range r.InputRecipes {
		if _, isRecipe := PathName(input); !isRecipe {
			return fmt.Errorf("input %s is not a recipe", input)
		}
	}
	return nil
}

// SystemType returns the scheduling class of the recipe:
// the platform, followed by the sorted required features, if any.
// Two recipes with the same system type
// can be built by the same set of machines.
func (r *Recipe) SystemType() string {
	if len(r.RequiredFeatures) == 0 {
		return r.Platform
	}
	features := slices.Clone(r.RequiredFeatures)
	slices.Sort(features)
	return r.Platform + ":" + strings.Join(features, ",")
}

// OutputPaths returns the recipe's output paths in output name order.
func (r *Recipe) OutputPaths() []zbstore.Path {
	names := slices.Sorted(maps.Keys(r.Outputs))
	paths := make([]zbstore.Path, 0, len(names))
	for _, name := range names {
		paths = append(paths, r.Outputs[name])
	}
	return paths
}

// PathName reports whether the given store path is a recipe
// and if so, returns the recipe name without the extension.
func PathName(path zbstore.Path) (name string, isRecipe bool) {
	base := path.Name()
	name, isRecipe = strings.CutSuffix(base, Ext)
	if !isRecipe || name == "" {
		return "", false
	}
	return name, true
}
