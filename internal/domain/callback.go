package domain

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ClosureKey marks a job whose handler travels in the payload as a
// ClosureBox instead of being resolvable by name.
const ClosureKey = "__CLOSURE__"

// KeyForFunc derives a stable callback key for a handler. Named
// functions and method values map to their fully-qualified runtime
// name, which survives process restarts. Anonymous functions have no
// stable name and collapse to ClosureKey.
func KeyForFunc(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return ClosureKey
	}
	rf := runtime.FuncForPC(v.Pointer())
	if rf == nil {
		return ClosureKey
	}
	name := strings.TrimSuffix(rf.Name(), "-fm")
	if isAnonymous(name) {
		return ClosureKey
	}
	return name
}

// KeyForMethod builds a "Type::method" key for an instance-method
// handler without needing the live receiver at lookup time.
func KeyForMethod(recv any, method string) string {
	t := reflect.TypeOf(recv)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return fmt.Sprintf("%s.%s::%s", t.PkgPath(), t.Name(), method)
}

// IsClosureKey reports whether key refers to a serialised closure.
func IsClosureKey(key string) bool {
	return key == ClosureKey
}

// isAnonymous matches the ".funcN" suffixes the runtime assigns to
// function literals, including nested ones like "pkg.Outer.func1.2".
func isAnonymous(name string) bool {
	i := strings.LastIndex(name, ".func")
	if i < 0 {
		return false
	}
	rest := name[i+len(".func"):]
	if rest == "" {
		return false
	}
	for _, r := range rest {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}

// Signature digests action ∥ callback ∥ payload into the 64-bit job
// signature used for deduplication.
func Signature(action, callback string, payload []byte) int64 {
	d := xxhash.New()
	_, _ = d.WriteString(action)
	_, _ = d.WriteString(callback)
	_, _ = d.Write(payload)
	return int64(d.Sum64())
}
