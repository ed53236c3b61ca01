package sandbox

import "fmt"

// BuildEnvironment constructs the minimal environment for a sandboxed
// child: PATH, WORKSPACE/TOOL_ID/TOOL_VERSION, optionally SECRETS_DIR, and
// exactly the manifest's declared env vars. HOME, USER, and anything else
// from the parent's environment is never propagated (§4.6).
func BuildEnvironment(m *GearManifest, workspace, toolVersion, secretsDir, hostPath string, declared map[string]string) []string {
	env := []string{
		"PATH=" + hostPath,
		"WORKSPACE=" + workspace,
		"TOOL_ID=" + m.ID,
		"TOOL_VERSION=" + toolVersion,
	}
	if secretsDir != "" {
		env = append(env, "SECRETS_DIR="+secretsDir)
	}
	for _, name := range m.Permissions.EnvVars {
		if v, ok := declared[name]; ok {
			env = append(env, fmt.Sprintf("%s=%s", name, v))
		}
	}
	return env
}
