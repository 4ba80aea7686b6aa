//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package shellrisk

import (
	"strings"

	"trpc.group/trpc-go/consoul/tool"
)

// Verdict is the analyzer's judgment of one command string.
type Verdict struct {
	Level          tool.RiskLevel `json:"level"`
	Reason         string         `json:"reason"`
	MatchedPattern string         `json:"matched_pattern,omitempty"`
	Suggestions    []string       `json:"suggestions,omitempty"`
}

// systemRoots are paths where rm is never acceptable.
var systemRoots = []string{"/", "/etc", "/var", "/usr", "/sys", "/boot", "/lib", "/bin", "/sbin"}

// protectedWriteTargets match redirection targets that are blocked
// regardless of the base command.
var protectedWritePrefixes = []string{
	"/etc/", "/var/log/", "/sys/", "/boot/",
	"~/.ssh/", ".ssh/",
}

var shellProfiles = map[string]bool{
	"~/.bashrc":       true,
	"~/.bash_profile": true,
	"~/.zshrc":        true,
	"~/.zprofile":     true,
	"~/.profile":      true,
	".bashrc":         true,
	".bash_profile":   true,
	".zshrc":          true,
	".zprofile":       true,
	".profile":        true,
}

var safeBinaries = map[string]bool{
	"ls": true, "cat": true, "grep": true, "egrep": true, "fgrep": true,
	"rg": true, "find": true, "head": true, "tail": true, "less": true,
	"more": true, "pwd": true, "echo": true, "which": true, "whereis": true,
	"file": true, "stat": true, "du": true, "df": true, "ps": true,
	"top": true, "htop": true, "whoami": true, "id": true, "env": true,
	"printenv": true, "date": true, "uname": true, "wc": true, "sort": true,
	"uniq": true, "diff": true, "tree": true, "history": true, "man": true,
	"hostname": true, "uptime": true, "free": true,
}

var cautionBinaries = map[string]bool{
	"cp": true, "mv": true, "mkdir": true, "touch": true, "ln": true,
	"tar": true, "zip": true, "unzip": true, "gzip": true, "gunzip": true,
	"sed": true, "awk": true, "tee": true, "wget": true, "curl": true,
	"make": true, "rmdir": true,
}

var blockedBinaries = map[string]bool{
	"fdisk": true, "parted": true, "shutdown": true, "reboot": true, "halt": true,
}

var packageManagers = map[string]bool{
	"apt": true, "apt-get": true, "yum": true, "dnf": true, "pacman": true,
	"brew": true, "npm": true, "pnpm": true, "yarn": true, "pip": true,
	"pip3": true, "gem": true, "cargo": true,
}

var shellInterpreters = map[string]bool{
	"bash": true, "sh": true, "zsh": true, "dash": true, "ksh": true, "fish": true,
}

var downloaders = map[string]bool{"wget": true, "curl": true}

// Analyze scores a shell command. Pipelines and sequences take the maximum
// risk across segments; anything the lexer cannot parse is DANGEROUS, never
// SAFE.
func Analyze(command string) Verdict {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Verdict{Level: tool.RiskSafe, Reason: "empty command"}
	}

	// Fork bomb shapes never deserve tokenizing subtlety.
	compact := strings.ReplaceAll(trimmed, " ", "")
	if strings.Contains(compact, ":(){") || strings.Contains(compact, ":|:&") {
		return Verdict{
			Level:          tool.RiskBlocked,
			Reason:         "fork bomb pattern",
			MatchedPattern: ":(){ :|:& };:",
		}
	}

	tokens, err := lex(trimmed)
	if err != nil {
		return Verdict{
			Level:       tool.RiskDangerous,
			Reason:      "command could not be parsed: " + err.Error(),
			Suggestions: []string{"balance quotes and substitutions, or simplify the command"},
		}
	}
	segs := split(tokens)
	if len(segs) == 0 {
		return Verdict{Level: tool.RiskSafe, Reason: "empty command"}
	}

	// download | shell is blocked before any per-segment scoring.
	if v, blocked := downloadPipedToShell(tokens); blocked {
		return v
	}

	verdict := Verdict{Level: tool.RiskSafe, Reason: "read-only command"}
	for _, seg := range segs {
		v := analyzeSegment(seg)
		if v.Level > verdict.Level {
			verdict = v
		}
	}
	return verdict
}

// downloadPipedToShell detects wget/curl piped into an interpreter,
// in any later pipeline stage.
func downloadPipedToShell(tokens []token) (Verdict, bool) {
	sawDownloader := false
	for i, t := range tokens {
		switch {
		case t.kind == tokenWord && downloaders[t.text] && leadsSegment(tokens, i):
			sawDownloader = true
		case t.kind == tokenOperator && (t.text == ";" || t.text == "&&" || t.text == "||"):
			sawDownloader = false
		case t.kind == tokenWord && sawDownloader && shellInterpreters[baseName(t.text)] && leadsSegment(tokens, i):
			return Verdict{
				Level:          tool.RiskBlocked,
				Reason:         "downloading and executing remote content",
				MatchedPattern: "download | shell",
				Suggestions:    []string{"download to a file, inspect it, then run it explicitly"},
			}, true
		}
	}
	return Verdict{}, false
}

// leadsSegment reports whether the word at index i is the first word of
// its segment (the binary position).
func leadsSegment(tokens []token, i int) bool {
	for j := i - 1; j >= 0; j-- {
		switch tokens[j].kind {
		case tokenOperator:
			return true
		case tokenWord:
			// Leading environment assignments do not occupy the binary slot.
			if !strings.Contains(tokens[j].text, "=") {
				return false
			}
		case tokenRedirect:
			return false
		}
	}
	return true
}

func analyzeSegment(seg segment) Verdict {
	if v, blocked := checkRedirects(seg.redirects); blocked {
		return v
	}

	words := seg.words
	// Skip leading VAR=value assignments.
	for len(words) > 0 && strings.Contains(words[0], "=") && !strings.HasPrefix(words[0], "=") {
		words = words[1:]
	}
	if len(words) == 0 {
		if len(seg.redirects) > 0 {
			return Verdict{Level: tool.RiskCaution, Reason: "redirection to a file"}
		}
		return Verdict{Level: tool.RiskSafe, Reason: "empty command"}
	}

	bin := baseName(words[0])
	args := words[1:]

	switch {
	case bin == "sudo":
		return Verdict{
			Level:          tool.RiskBlocked,
			Reason:         "privilege escalation",
			MatchedPattern: "sudo",
			Suggestions:    []string{"run the command without sudo or perform the change manually"},
		}
	case bin == "rm":
		return analyzeRm(args)
	case bin == "dd":
		return analyzeDd(args)
	case strings.HasPrefix(bin, "mkfs"):
		return Verdict{Level: tool.RiskBlocked, Reason: "filesystem creation destroys data", MatchedPattern: bin}
	case blockedBinaries[bin]:
		return Verdict{Level: tool.RiskBlocked, Reason: "system-destructive command", MatchedPattern: bin}
	case bin == "chmod":
		return analyzeChmod(args)
	case bin == "chown" || bin == "chgrp":
		return Verdict{Level: tool.RiskCaution, Reason: "ownership change"}
	case bin == "kill" || bin == "killall" || bin == "pkill":
		return analyzeKill(bin, args)
	case bin == "systemctl" || bin == "service":
		return analyzeSystemctl(args)
	case bin == "git":
		return analyzeGit(args)
	case packageManagers[bin]:
		return analyzePackageManager(bin, args)
	case shellInterpreters[bin]:
		if len(args) == 0 {
			return Verdict{Level: tool.RiskDangerous, Reason: "interactive shell"}
		}
		return Verdict{Level: tool.RiskDangerous, Reason: "executing a script with unknown content"}
	case safeBinaries[bin]:
		v := Verdict{Level: tool.RiskSafe, Reason: "read-only command"}
		if len(seg.redirects) > 0 {
			v = Verdict{Level: tool.RiskCaution, Reason: "redirection to a file"}
		}
		return v
	case cautionBinaries[bin]:
		return Verdict{Level: tool.RiskCaution, Reason: "file or network mutation"}
	default:
		return Verdict{
			Level:       tool.RiskCaution,
			Reason:      "unrecognized command " + bin,
			Suggestions: []string{"add the command to the whitelist if it is routinely needed"},
		}
	}
}

// checkRedirects blocks writes into system paths, ssh material and shell
// profiles regardless of the base command.
func checkRedirects(targets []string) (Verdict, bool) {
	for _, target := range targets {
		t := strings.TrimSpace(target)
		if t == "" || t == "/dev/null" || t == "/dev/stdout" || t == "/dev/stderr" {
			continue
		}
		if shellProfiles[t] {
			return Verdict{
				Level:          tool.RiskBlocked,
				Reason:         "write to shell profile " + t,
				MatchedPattern: t,
			}, true
		}
		for _, prefix := range protectedWritePrefixes {
			if strings.HasPrefix(t, prefix) {
				return Verdict{
					Level:          tool.RiskBlocked,
					Reason:         "write to protected path " + t,
					MatchedPattern: prefix + "*",
				}, true
			}
		}
		if t == "/etc/passwd" || t == "/etc/shadow" {
			return Verdict{Level: tool.RiskBlocked, Reason: "write to " + t, MatchedPattern: t}, true
		}
	}
	return Verdict{}, false
}

func analyzeRm(args []string) Verdict {
	recursive, force := false, false
	var targets []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") && a != "-" {
			flags := strings.TrimLeft(a, "-")
			if strings.ContainsAny(flags, "rR") || flags == "recursive" {
				recursive = true
			}
			if strings.Contains(flags, "f") || flags == "force" {
				force = true
			}
			continue
		}
		targets = append(targets, a)
	}

	for _, t := range targets {
		if isSystemPath(t) {
			return Verdict{
				Level:          tool.RiskBlocked,
				Reason:         "rm targets system path " + t,
				MatchedPattern: t,
				Suggestions:    []string{"never remove system paths"},
			}
		}
	}
	switch {
	case recursive && force:
		return Verdict{
			Level:       tool.RiskDangerous,
			Reason:      "recursive forced removal",
			Suggestions: []string{"prefer removing a specific file, or move it aside first"},
		}
	case recursive:
		return Verdict{Level: tool.RiskDangerous, Reason: "recursive removal"}
	case len(targets) == 0:
		return Verdict{Level: tool.RiskCaution, Reason: "rm without a target"}
	default:
		return Verdict{Level: tool.RiskCaution, Reason: "single-file removal"}
	}
}

// isSystemPath reports whether p is a system root, lives directly under
// one, or is a wildcard rooted there. User areas such as /tmp and /home
// are not system paths.
func isSystemPath(p string) bool {
	clean := strings.TrimSuffix(p, "/")
	if clean == "" {
		return true // "/" itself
	}
	for _, root := range systemRoots {
		if root == "/" {
			continue
		}
		if clean == root || strings.HasPrefix(clean, root+"/") {
			return true
		}
	}
	// Wildcards rooted at /, e.g. /*
	if strings.HasPrefix(clean, "/*") {
		return true
	}
	return false
}

func analyzeDd(args []string) Verdict {
	for _, a := range args {
		if strings.HasPrefix(a, "if=/dev/") || strings.HasPrefix(a, "of=/dev/") {
			return Verdict{
				Level:          tool.RiskBlocked,
				Reason:         "raw device access via dd",
				MatchedPattern: a,
			}
		}
	}
	return Verdict{Level: tool.RiskDangerous, Reason: "low-level copy"}
}

func analyzeChmod(args []string) Verdict {
	for _, a := range args {
		if a == "777" || a == "666" {
			return Verdict{
				Level:       tool.RiskDangerous,
				Reason:      "world-writable permissions",
				Suggestions: []string{"use the narrowest mode that works, e.g. 755 or 644"},
			}
		}
	}
	return Verdict{Level: tool.RiskCaution, Reason: "permission change"}
}

func analyzeKill(bin string, args []string) Verdict {
	for _, a := range args {
		if a == "-9" || a == "-KILL" || a == "-SIGKILL" {
			return Verdict{Level: tool.RiskDangerous, Reason: "force-killing a process"}
		}
	}
	return Verdict{Level: tool.RiskCaution, Reason: "signalling a process"}
}

func analyzeSystemctl(args []string) Verdict {
	for _, a := range args {
		switch a {
		case "stop", "restart", "disable", "mask":
			return Verdict{Level: tool.RiskDangerous, Reason: "service state change: " + a}
		case "status", "list-units", "is-active", "is-enabled", "show":
			return Verdict{Level: tool.RiskSafe, Reason: "service inspection"}
		}
	}
	return Verdict{Level: tool.RiskCaution, Reason: "service management"}
}

func analyzeGit(args []string) Verdict {
	if len(args) == 0 {
		return Verdict{Level: tool.RiskSafe, Reason: "git without subcommand"}
	}
	sub := args[0]
	rest := args[1:]
	switch sub {
	case "status", "log", "diff", "show", "branch", "tag", "blame", "describe":
		return Verdict{Level: tool.RiskSafe, Reason: "read-only git command"}
	case "remote":
		if len(rest) == 0 || rest[0] == "-v" || rest[0] == "show" {
			return Verdict{Level: tool.RiskSafe, Reason: "read-only git command"}
		}
		return Verdict{Level: tool.RiskCaution, Reason: "git remote mutation"}
	case "config":
		if len(rest) > 0 && (rest[0] == "--list" || rest[0] == "--get" || rest[0] == "-l") {
			return Verdict{Level: tool.RiskSafe, Reason: "read-only git command"}
		}
		return Verdict{Level: tool.RiskCaution, Reason: "git configuration change"}
	case "reset":
		for _, a := range rest {
			if a == "--hard" {
				return Verdict{Level: tool.RiskDangerous, Reason: "git reset --hard discards work"}
			}
		}
		return Verdict{Level: tool.RiskCaution, Reason: "git reset"}
	case "clean":
		for _, a := range rest {
			if strings.HasPrefix(a, "-") && strings.ContainsAny(a, "fdxX") {
				return Verdict{Level: tool.RiskDangerous, Reason: "git clean removes untracked files"}
			}
		}
		return Verdict{Level: tool.RiskCaution, Reason: "git clean"}
	case "push":
		for _, a := range rest {
			if a == "--force" || a == "-f" || strings.HasPrefix(a, "--force-with-lease") {
				return Verdict{Level: tool.RiskDangerous, Reason: "force push rewrites remote history"}
			}
		}
		return Verdict{Level: tool.RiskCaution, Reason: "git push"}
	case "add", "commit", "pull", "fetch", "checkout", "switch", "stash", "merge", "rebase", "cherry-pick", "restore":
		return Verdict{Level: tool.RiskCaution, Reason: "git working-tree mutation"}
	default:
		return Verdict{Level: tool.RiskCaution, Reason: "git subcommand " + sub}
	}
}

func analyzePackageManager(bin string, args []string) Verdict {
	for _, a := range args {
		switch a {
		case "install", "update", "upgrade", "uninstall", "remove", "add", "purge":
			return Verdict{Level: tool.RiskCaution, Reason: bin + " " + a}
		case "list", "search", "info", "show", "outdated":
			return Verdict{Level: tool.RiskSafe, Reason: bin + " " + a}
		}
	}
	return Verdict{Level: tool.RiskCaution, Reason: "package manager invocation"}
}

// baseName strips any directory prefix so "/usr/bin/sudo" is seen as "sudo".
func baseName(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}
