package engine

import (
	"fmt"
	"strings"
)

// Driver stubs for function-call style problems. When a problem carries
// a function name, the user writes a method on a Solution class and the
// stub appended below the submission handles the I/O: each stdin line is
// one JSON-encoded argument, the return value is printed as JSON.
//
// Underscore-prefixed names keep the stub's identifiers out of the
// user's way.

const pythonDriverTemplate = `
import json as _json, sys as _sys

_lines = _sys.stdin.read().strip().split('\n')
_args = [_json.loads(_l) for _l in _lines if _l]
_sol = Solution()
_result = _sol.%s(*_args)
print(_json.dumps(_result))
`

var driverTemplates = map[string]string{
	"python3": pythonDriverTemplate,
	"python":  pythonDriverTemplate,
}

// DriverFor renders the driver stub for a language, or ok=false when the
// language has no function-call support and the submission runs as plain
// stdin/stdout.
func DriverFor(slug, functionName string) (string, bool) {
	template, ok := driverTemplates[strings.ToLower(slug)]
	if !ok {
		return "", false
	}
	return fmt.Sprintf(template, functionName), true
}
