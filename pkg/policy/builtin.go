package policy

// BuiltinPolicies returns the policies every manifest is checked against.
func BuiltinPolicies() []Policy {
	return []Policy{
		uniqueKeysPolicy(),
		uniqueDestinationsPolicy(),
		destinationUnderRootPolicy(),
		configPatchRulePolicy(),
		plainHTTPPolicy(),
		modelChecksumPolicy(),
	}
}

func uniqueKeysPolicy() Policy {
	return Policy{
		Name:        "unique-keys",
		Description: "Descriptor keys must be unique within a manifest",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package gpuforge.unique_keys

import rego.v1

deny contains violation if {
	some i, j
	input.descriptors[i].key == input.descriptors[j].key
	i < j
	key := input.descriptors[i].key
	violation := {
		"message": sprintf("descriptor key '%s' is declared more than once", [key]),
		"key": key,
	}
}
`,
	}
}

func uniqueDestinationsPolicy() Policy {
	return Policy{
		Name:        "unique-destinations",
		Description: "Two descriptors must not materialize the same path; config patches may share a file",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package gpuforge.unique_destinations

import rego.v1

deny contains violation if {
	some i, j
	a := input.descriptors[i]
	b := input.descriptors[j]
	i < j
	a.destination
	a.destination == b.destination
	not both_patches(a, b)
	violation := {
		"message": sprintf("descriptors '%s' and '%s' share destination %s", [a.key, b.key, a.destination]),
		"key": b.key,
	}
}

both_patches(a, b) if {
	a.kind == "ConfigPatch"
	b.kind == "ConfigPatch"
}
`,
	}
}

func destinationUnderRootPolicy() Policy {
	return Policy{
		Name:        "destination-under-root",
		Description: "Plugins and models must land below the manifest root",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package gpuforge.destination_under_root

import rego.v1

artifact_kinds := {"Plugin", "ModelFile", "ModelDirectory"}

deny contains violation if {
	input.root != ""
	some d in input.descriptors
	d.kind in artifact_kinds
	not under_root(d.destination)
	violation := {
		"message": sprintf("%s destination %s is outside root %s", [d.kind, d.destination, input.root]),
		"key": d.key,
	}
}

under_root(path) if {
	input.root == "/"
	startswith(path, "/")
}

under_root(path) if {
	startswith(path, concat("", [input.root, "/"]))
}
`,
	}
}

func configPatchRulePolicy() Policy {
	return Policy{
		Name:        "config-patch-rule",
		Description: "ConfigPatch descriptors must carry a patch rule",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package gpuforge.config_patch_rule

import rego.v1

deny contains violation if {
	some d in input.descriptors
	d.kind == "ConfigPatch"
	not d.patch
	violation := {
		"message": sprintf("config patch '%s' has no patch rule", [d.key]),
		"key": d.key,
	}
}
`,
	}
}

func plainHTTPPolicy() Policy {
	return Policy{
		Name:        "plain-http",
		Description: "Artifacts fetched over unencrypted http can be tampered with in transit",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package gpuforge.plain_http

import rego.v1

deny contains violation if {
	some d in input.descriptors
	startswith(lower(d.source), "http://")
	violation := {
		"message": sprintf("'%s' is fetched over plain http: %s", [d.key, d.source]),
		"key": d.key,
	}
}
`,
	}
}

func modelChecksumPolicy() Policy {
	return Policy{
		Name:        "model-checksum",
		Description: "Model files without a checksum are trusted on presence alone",
		Severity:    SeverityInfo,
		Enabled:     true,
		Rego: `package gpuforge.model_checksum

import rego.v1

deny contains violation if {
	some d in input.descriptors
	d.kind == "ModelFile"
	not d.checksum
	violation := {
		"message": sprintf("model file '%s' has no checksum", [d.key]),
		"key": d.key,
	}
}
`,
	}
}
