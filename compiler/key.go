package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"slices"
	"strings"

	"golang.org/x/exp/maps"
)

// EnvPrefix selects the environment variables that participate in the cache key: any
// variable with this prefix is part of the compilation environment fingerprint, except
// the ones that only choose locations or defaults (cache root, backend selection).
const EnvPrefix = "GOTRITON_"

var envExcluded = map[string]bool{
	"GOTRITON_CACHE_DIR": true,
	"GOTRITON_BACKEND":   true,
}

// EnvironmentSnapshot captures the relevant environment key/value pairs at compile
// time. The snapshot is merged into the compiled metadata and fingerprinted into the
// cache key; unrelated variables never affect either.
func EnvironmentSnapshot() map[string]string {
	env := make(map[string]string)
	for _, entry := range os.Environ() {
		name, value, found := strings.Cut(entry, "=")
		if !found || !strings.HasPrefix(name, EnvPrefix) || envExcluded[name] {
			continue
		}
		env[name] = value
	}
	return env
}

// CacheKey composes the fingerprint that keys a full compilation run: source, backend
// and options hashes plus the environment snapshot. It is a pure function; the
// environment pairs are sorted so any enumeration order yields the same key.
//
// Equal keys imply no observable difference in the compiled artifact for a given
// backend and runtime version. The converse does not hold.
func CacheKey(sourceHash, backendHash, optionsHash string, env map[string]string) string {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%s-%s-%s", sourceHash, backendHash, optionsHash)
	names := maps.Keys(env)
	slices.Sort(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(h, "-%s=%s", name, env[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}
