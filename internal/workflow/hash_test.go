package workflow

import "testing"

func TestSpecHashStableAcrossFormatting(t *testing.T) {
	first, err := ParseSpec([]byte(validSpecYAML))
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}

	reordered := `
name: lkpy-conda
schema: kiln.workflow.v1
description: "Conda packages for lenskit"
fail_fast: false
env: {NUMBA_DISABLE_JIT: "1"}
trigger:
  branches: ["master", "release/*"]
  repo: "  https://github.com/lenskit/lkpy.git  "
matrix:
  - {platform: ubuntu, conda_platform: linux-64, image: kilnlabs/runner-linux:latest}
  - {platform: macos, conda_platform: osx-64, image: kilnlabs/runner-osx:latest}
  - {platform: windows, conda_platform: win-64, image: kilnlabs/runner-win:latest}
build:
  recipe_dir: conda
  output_folder: dist/pkgs
  channels: ["lenskit"]
artifacts:
  patterns: ["*.tar.bz2", "*.conda"]
  retention_days: 30
`
	second, err := ParseSpec([]byte(reordered))
	if err != nil {
		t.Fatalf("ParseSpec reordered: %v", err)
	}

	firstHash, err := first.SpecHash()
	if err != nil {
		t.Fatalf("SpecHash: %v", err)
	}
	secondHash, err := second.SpecHash()
	if err != nil {
		t.Fatalf("SpecHash reordered: %v", err)
	}
	if firstHash != secondHash {
		t.Fatalf("hashes differ: %s vs %s", firstHash, secondHash)
	}
	if len(firstHash) != 64 {
		t.Fatalf("expected sha256 hex digest, got %q", firstHash)
	}
}

func TestSpecHashChangesWithContent(t *testing.T) {
	spec, err := ParseSpec([]byte(validSpecYAML))
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	before, err := spec.SpecHash()
	if err != nil {
		t.Fatalf("SpecHash: %v", err)
	}
	spec.Build.Channels = []string{"lenskit", "conda-forge"}
	after, err := spec.SpecHash()
	if err != nil {
		t.Fatalf("SpecHash after change: %v", err)
	}
	if before == after {
		t.Fatalf("expected hash to change with content")
	}
}
