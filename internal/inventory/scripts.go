package inventory

import (
	"embed"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

//go:embed scripts/*.lua
var scriptFS embed.FS

// script is a ledger script with the version declared in its header.
type script struct {
	name    string
	version string
	*redis.Script
}

func mustLoadScript(name string) script {
	src, err := scriptFS.ReadFile("scripts/" + name + ".lua")
	if err != nil {
		panic(fmt.Sprintf("inventory: missing script %s: %v", name, err))
	}
	first, _, _ := strings.Cut(string(src), "\n")
	version, ok := strings.CutPrefix(strings.TrimSpace(first), "-- version:")
	if !ok {
		panic(fmt.Sprintf("inventory: script %s has no version header", name))
	}
	return script{name: name, version: strings.TrimSpace(version), Script: redis.NewScript(string(src))}
}

var (
	populateScript = mustLoadScript("populate")
	reserveScript  = mustLoadScript("reserve")
	rollbackScript = mustLoadScript("rollback")
	confirmScript  = mustLoadScript("confirm")
)

// ScriptVersions returns the version of every ledger script by name.
func ScriptVersions() map[string]string {
	out := make(map[string]string)
	for _, s := range []script{populateScript, reserveScript, rollbackScript, confirmScript} {
		out[s.name] = s.version
	}
	return out
}
