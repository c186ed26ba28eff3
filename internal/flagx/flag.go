// Package flagx lets several configuration layers read their own flags from
// one command line without tripping over each other's flags.
package flagx

import (
	"flag"
	"strings"
)

// FilterArgs keeps only the flags named in allowed (and their values).
// Both "-f value" and "-f=value" forms are recognised; a following token that
// starts with "-" is never taken as a value.
func FilterArgs(args []string, allowed []string) []string {
	keep := make(map[string]struct{}, len(allowed))
	for _, f := range allowed {
		keep[f] = struct{}{}
	}

	filtered := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]

		if name, _, found := strings.Cut(arg, "="); found && strings.HasPrefix(arg, "-") {
			if _, ok := keep[name]; ok {
				filtered = append(filtered, arg)
			}
			continue
		}

		if _, ok := keep[arg]; !ok {
			continue
		}
		filtered = append(filtered, arg)
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			filtered = append(filtered, args[i+1])
			i++
		}
	}
	return filtered
}

// LookupString returns the value of a string flag known under any of names
// (without the leading dash). The last occurrence wins; "" when absent.
func LookupString(args []string, names ...string) string {
	allowed := make([]string, 0, len(names))
	for _, n := range names {
		allowed = append(allowed, "-"+n)
	}

	var value string
	fs := flag.NewFlagSet("lookup", flag.ContinueOnError)
	fs.SetOutput(discard{})
	for _, n := range names {
		fs.StringVar(&value, n, "", "")
	}
	_ = fs.Parse(FilterArgs(args, allowed))
	return value
}

// JsonConfigFlags extracts the JSON config path given via -c or -config.
func JsonConfigFlags(args []string) string {
	return LookupString(args, "c", "config")
}

// EnvFileFlag extracts the dotenv file path given via -env-file.
func EnvFileFlag(args []string) string {
	return LookupString(args, "env-file")
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
