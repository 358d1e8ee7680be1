// Package policy checks manifests against Open Policy Agent (Rego) rules
// before a pass.
//
// Each policy is a Rego module whose package defines a `deny` set. The
// input document is the resolved manifest:
//
//	{"root": "...", "service": "...", "descriptors": [{"key": ..., "kind": ..., ...}]}
//
// A deny element is either a message string or an object with "message",
// "key" and optionally "severity", which overrides the policy default.
// Violations with severity error block the pass.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, settings.PolicyPaths); err != nil {
//	    return err
//	}
//	result, err := eng.Evaluate(ctx, manifest)
//	if err != nil {
//	    return err
//	}
//	for _, v := range result.Blocking() {
//	    fmt.Printf("%s: %s\n", v.Policy, v.Message)
//	}
//
// # Built-in Policies
//
//  1. unique-keys (error)
//  2. unique-destinations (error) - config patches may share a file
//  3. destination-under-root (error) - plugins and models stay below root
//  4. config-patch-rule (error)
//  5. plain-http (warning)
//  6. model-checksum (info)
//
// # Site Policies
//
// Extra policies are read from .rego or .json files. A .rego file is named
// after its base name; its leading comment block becomes the description
// and may set the default severity:
//
//	# Checkpoints must come from the internal mirror.
//	# severity: error
//	package site.mirror
//
//	import rego.v1
//
//	deny contains violation if {
//	    some d in input.descriptors
//	    d.kind == "ModelFile"
//	    not startswith(d.source, "https://mirror.internal/")
//	    violation := {"message": sprintf("%s is not mirrored", [d.key]), "key": d.key}
//	}
package policy
