package sandbox

import (
	"regexp"
)

// Static validation rules. These are textual pattern checks, not a parser:
// they catch the obvious routes out of the sandbox (module loading, dynamic
// eval, host globals) before compilation, but string concatenation or
// encoding tricks can defeat them. The real boundary is the isolated
// runtime plus the capability-gated host API; these checks exist to fail
// fast with a precise reason.

// rule is a single validation check. Rules are evaluated in slice order and
// the first match is reported, so identical input always produces the same
// rejection reason.
type rule struct {
	name     string
	re       *regexp.Regexp
	requires Capability // non-empty = rule only applies when this capability is ABSENT
}

var validationRules = []rule{
	// Modules that grant process control, raw filesystem or network access,
	// subprocess spawning, binary codecs, or the VM primitives themselves.
	{
		name: "blocked-module",
		re:   regexp.MustCompile(`\b(child_process|worker_threads|cluster|fs|net|dgram|dns|tls|http2|repl|inspector|vm|v8|zlib|buffer)\b`),
	},
	// Dynamic code evaluation: strings becoming code defeats static checks.
	{
		name: "dynamic-eval",
		re:   regexp.MustCompile(`\beval\s*\(|\bnew\s+Function\b|\bFunction\s*\(`),
	},
	// Direct references to the host process or global object.
	{
		name: "host-global",
		re:   regexp.MustCompile(`\bprocess\s*\.|\bglobalThis\b|\bglobal\s*\.`),
	},
	// Path introspection pseudo-variables leak host filesystem layout.
	{
		name: "path-introspection",
		re:   regexp.MustCompile(`__dirname|__filename`),
	},
	// Module-system primitives: import-by-string and export assignment
	// would reach outside the prepared execution context.
	{
		name: "module-primitive",
		re:   regexp.MustCompile(`\brequire\s*\(|\bimport\s*\(|\bmodule\s*\.\s*exports\b|\bexports\s*\.`),
	},
	// Without write capability, any filesystem-looking call pattern is out.
	{
		name:     "filesystem-access",
		re:       regexp.MustCompile(`\b(readFile|writeFile|appendFile|createReadStream|createWriteStream|unlink|mkdir|rmdir|readdir)\w*\s*\(`),
		requires: CapWrite,
	},
	// Without network capability, HTTP-client identifiers and generic
	// network call patterns are out. Note this also rejects references to
	// the sandbox's own http API object, which only exists for
	// network-capable sandboxes anyway.
	{
		name:     "network-access",
		re:       regexp.MustCompile(`\bhttps?\b|\bfetch\s*\(|\bXMLHttpRequest\b|\bWebSocket\b|\baxios\b|\bconnect\s*\(\s*\d`),
		requires: CapNetwork,
	},
}

// Validate runs every static check against the source in order and returns
// a ViolationError for the first rule that matches. Capability-conditional
// rules are skipped when the sandbox holds the capability.
func Validate(source string, caps CapabilitySet) error {
	for _, r := range validationRules {
		if r.requires != "" && caps.Has(r.requires) {
			continue
		}
		if loc := r.re.FindString(source); loc != "" {
			return &ViolationError{Rule: r.name, Pattern: loc}
		}
	}
	return nil
}
