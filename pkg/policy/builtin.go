package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		destructiveCommandsPolicy(),
		factoryResetPolicy(),
		rebootPolicy(),
	}
}

// destructiveCommandsPolicy blocks commands that wipe or reformat storage.
func destructiveCommandsPolicy() Policy {
	return Policy{
		Name:        "destructive-commands",
		Description: "Blocks recursive deletion of system paths and raw writes to block devices",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "storage"},
		Rego: `package devfleet.policies.destructive

import rego.v1

protected := {"/", "/system", "/vendor", "/data", "/sdcard", "/storage", "/etc", "/usr", "/boot", "/home"}

recursive_rm if regex.match("(^|[;&|]\\s*)(sudo\\s+)?rm\\s+-[a-zA-Z]*[rR]", input.command)

# command words with surrounding quotes and separators removed
words contains word if {
	some raw in regex.split("\\s+", input.command)
	word := trim(raw, "'\";&|")
	word != ""
}

deny contains violation if {
	recursive_rm
	some word in words
	trim_right(word, "/*") == ""
	violation := {
		"message": "recursive removal of the filesystem root is not allowed",
		"severity": "critical",
	}
}

deny contains violation if {
	recursive_rm
	some word in words
	cleaned := trim_right(word, "/")
	protected[cleaned]
	violation := {
		"message": sprintf("recursive removal of %s is not allowed", [cleaned]),
		"severity": "critical",
	}
}

deny contains violation if {
	regex.match("\\bmkfs(\\.[a-z0-9]+)?\\b", input.command)
	violation := {
		"message": "formatting filesystems is not allowed",
		"severity": "critical",
	}
}

deny contains violation if {
	regex.match("\\bdd\\b.*\\bof=/dev/", input.command)
	violation := {
		"message": "raw writes to block devices are not allowed",
		"severity": "critical",
	}
}
`,
	}
}

// factoryResetPolicy blocks wiping user data on Android devices.
func factoryResetPolicy() Policy {
	return Policy{
		Name:        "factory-reset",
		Description: "Blocks factory reset and data wipe requests",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "android"},
		Rego: `package devfleet.policies.reset

import rego.v1

deny contains violation if {
	contains(input.command, "MASTER_CLEAR")
	violation := {
		"message": "factory reset broadcasts are not allowed",
		"severity": "critical",
	}
}

deny contains violation if {
	regex.match("--wipe_data|\\bwipe\\s+data\\b", input.command)
	violation := {
		"message": "wiping user data is not allowed",
		"severity": "critical",
	}
}
`,
	}
}

// rebootPolicy flags reboots so an operator sees devices going away.
func rebootPolicy() Policy {
	return Policy{
		Name:        "reboot",
		Description: "Warns when a command reboots or powers off the device",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"availability"},
		Rego: `package devfleet.policies.reboot

import rego.v1

deny contains violation if {
	regex.match("(^|[;&|]\\s*)(sudo\\s+)?(reboot|poweroff|shutdown|svc\\s+power\\s+shutdown)\\b", input.command)
	violation := {
		"message": sprintf("command takes device %s offline", [input.device]),
		"severity": "warning",
	}
}
`,
	}
}
