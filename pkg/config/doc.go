// Package config loads gpuforge manifests and tool settings.
//
// # Overview
//
// A manifest declares the desired state of one GPU inference host. It can be
// written in any of four formats, chosen by file extension:
//
//   - .cue (or a directory holding a CUE package), unified with #Manifest
//   - .yaml / .yml
//   - .json / .jsonc (comments and trailing commas allowed)
//   - .star, a Starlark script binding `manifest` or `descriptors`
//
// Every format is checked against the same CUE schema, then decoded into
// ManifestConfig and checked again with struct validation tags before it is
// converted into an engine.Manifest.
//
// # Usage Example
//
//	loader := config.NewLoader(logger, config.WithFacts(hostFacts.Env()))
//	manifest, err := loader.Load(ctx, "/etc/gpuforge/manifest.yaml")
//	if err != nil {
//	    var loadErr *config.LoadError
//	    if errors.As(err, &loadErr) {
//	        for _, ve := range loadErr.Errors {
//	            fmt.Println(ve)
//	        }
//	    }
//	    return err
//	}
//
// # Manifest Structure
//
//	root: "/srv/comfyui"
//	service: "comfyui.service"
//	include: ["conf.d/*.cue"]
//	descriptors: [{
//	    key: "sdxl-base"
//	    kind: "ModelFile"
//	    source: "https://models.example/sdxl.safetensors"
//	    destination: "models/checkpoints/sdxl.safetensors"
//	    checksum: "sha256:..."
//	}, {
//	    key: "listen-flag"
//	    kind: "ConfigPatch"
//	    destination: "launch.env"
//	    patch: {type: "rewrite", anchor: "CLI_ARGS", tokens: ["--listen"]}
//	}]
//
// # Includes and Conditions
//
// Include patterns are doublestar globs relative to the including file.
// Descriptors from included files come first, in sorted path order. A
// descriptor with a `when` expression is kept only if the expression is true
// for the host facts, for example:
//
//	when: "has_nvidia && vram_bytes >= 24 * 1024 * 1024 * 1024"
//
// # Starlark
//
// Scripts see the host facts as `facts` and cannot reach the filesystem or
// network. Evaluation is bounded by a timeout (default 30 seconds).
//
//	descriptors = [
//	    {"key": "lora-" + name, "kind": "ModelFile", "source": base + name, "destination": "models/loras/" + name}
//	    for name in ["a.safetensors", "b.safetensors"]
//	]
//
// # Settings
//
// Tool settings live in TOML at DefaultSettingsPath. Keys present in the
// file replace the defaults; unknown keys are logged.
package config
