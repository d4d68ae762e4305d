// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package recipe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"zb.256lights.llc/pkg/zbstore"
)

const testDigest = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    *Recipe
		wantErr bool
	}{
		{
			name: "hello",
			data: `{
				"platform": "x86_64-linux",
				"builder": "/bin/sh",
				"args": ["-c", "echo hello > $out"],
				"outputs": {"out": "/zb/store/` + testDigest + `-hello"}
			}`,
			want: &Recipe{
				Name:     "hello",
				Platform: "x86_64-linux",
				Builder:  "/bin/sh",
				Args:     []string{"-c", "echo hello > $out"},
				Outputs: map[string]zbstore.Path{
					"out": "/zb/store/" + testDigest + "-hello",
				},
			},
		},
		{
			name: "features",
			data: `{
				"platform": "aarch64-linux",
				"builder": "/bin/sh",
				"outputs": {"out": "/zb/store/` + testDigest + `-features"},
				"requiredFeatures": ["kvm", "big-parallel"],
				"preferLocal": true
			}`,
			want: &Recipe{
				Name:             "features",
				Platform:         "aarch64-linux",
				Builder:          "/bin/sh",
				Outputs:          map[string]zbstore.Path{"out": "/zb/store/" + testDigest + "-features"},
				RequiredFeatures: []string{"kvm", "big-parallel"},
				PreferLocal:      true,
			},
		},
		{
			name:    "missing-platform",
			data:    `{"builder": "/bin/sh", "outputs": {"out": "/zb/store/` + testDigest + `-x"}}`,
			wantErr: true,
		},
		{
			name:    "no-outputs",
			data:    `{"platform": "x86_64-linux", "builder": "/bin/sh", "outputs": {}}`,
			wantErr: true,
		},
		{
			name:    "bad-output-path",
			data:    `{"platform": "x86_64-linux", "builder": "/bin/sh", "outputs": {"out": "relative/path"}}`,
			wantErr: true,
		},
		{
			name:    "garbage",
			data:    `Derive([("out","/zb/store/x")])`,
			wantErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Parse(test.name, []byte(test.data))
			if test.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q, ...) = %+v; want error", test.name, got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("recipe (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSystemType(t *testing.T) {
	tests := []struct {
		platform string
		features []string
		want     string
	}{
		{"x86_64-linux", nil, "x86_64-linux"},
		{"x86_64-linux", []string{"kvm"}, "x86_64-linux:kvm"},
		{"x86_64-linux", []string{"kvm", "big-parallel"}, "x86_64-linux:big-parallel,kvm"},
	}
	for _, test := range tests {
		r := &Recipe{Platform: test.platform, RequiredFeatures: test.features}
		if got := r.SystemType(); got != test.want {
			t.Errorf("SystemType() for %s %v = %q; want %q", test.platform, test.features, got, test.want)
		}
	}
}

func TestPathName(t *testing.T) {
	tests := []struct {
		path     zbstore.Path
		name     string
		isRecipe bool
	}{
		{"/zb/store/" + testDigest + "-hello.recipe", "hello", true},
		{"/zb/store/" + testDigest + "-hello", "", false},
		{"/zb/store/" + testDigest + "-.recipe", "", false},
	}
	for _, test := range tests {
		name, isRecipe := PathName(test.path)
		if name != test.name || isRecipe != test.isRecipe {
			t.Errorf("PathName(%q) = %q, %t; want %q, %t", test.path, name, isRecipe, test.name, test.isRecipe)
		}
	}
}

func TestStoreRead(t *testing.T) {
	realDir := t.TempDir()
	dir, err := zbstore.CleanDirectory("/zb/store")
	if err != nil {
		t.Fatal(err)
	}
	store := &Store{Dir: dir, RealDir: realDir}

	r := &Recipe{
		Name:     "hello",
		Platform: "x86_64-linux",
		Builder:  "/bin/sh",
		Outputs:  map[string]zbstore.Path{"out": "/zb/store/" + testDigest + "-hello"},
	}
	data, err := r.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	recipePath := zbstore.Path("/zb/store/" + testDigest + "-hello.recipe")
	if err := os.WriteFile(filepath.Join(realDir, recipePath.Base()), data, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := store.Read(recipePath)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(r, got); diff != "" {
		t.Errorf("recipe (-want +got):\n%s", diff)
	}

	if !store.Exists(recipePath) {
		t.Errorf("store.Exists(%q) = false; want true", recipePath)
	}
	if store.Exists(r.Outputs["out"]) {
		t.Errorf("store.Exists(%q) = true; want false", r.Outputs["out"])
	}
}
