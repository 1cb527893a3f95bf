package launch

import (
	"strings"

	"github.com/randomizedcoder/go-trainer-swarm/internal/plan"
)

// Environment variables that route a re-executed binary into worker
// mode. Set by the launcher, read by the worker entry gate.
const (
	EnvWorkerFunc = "SWARM_WORKER_FUNC"
	EnvWorkerArgs = "SWARM_WORKER_ARGS"
	EnvOutcomeFD  = "SWARM_OUTCOME_FD"
)

// outcomeFD is where the child finds the outcome pipe. ExtraFiles[0]
// always maps to fd 3.
const outcomeFD = "3"

// proxyVars are removed from every worker environment. Worker
// rendezvous traffic targets sibling endpoints directly and breaks
// when a shell proxy intercepts it.
var proxyVars = []string{
	"http_proxy",
	"https_proxy",
	"HTTP_PROXY",
	"HTTPS_PROXY",
}

// composeEnv builds the child environment: the parent environment
// minus proxy settings, plus the planned record variables, plus the
// worker routing variables when a registered function is the target.
// Record variables land last so they win over ambient duplicates.
func composeEnv(base []string, record plan.Record, funcName, funcArgs string) []string {
	env := make([]string, 0, len(base)+len(record.Env)+3)
	for _, kv := range base {
		if isProxyVar(kv) {
			continue
		}
		env = append(env, kv)
	}

	env = append(env, record.Environ()...)

	if funcName != "" {
		env = append(env, EnvWorkerFunc+"="+funcName)
		env = append(env, EnvWorkerArgs+"="+funcArgs)
		env = append(env, EnvOutcomeFD+"="+outcomeFD)
	}

	return env
}

func isProxyVar(kv string) bool {
	for _, name := range proxyVars {
		if strings.HasPrefix(kv, name+"=") {
			return true
		}
	}
	return false
}
