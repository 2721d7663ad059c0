package probe

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/patchverify/patchverify/pkg/sandbox"
	"github.com/patchverify/patchverify/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinProcedures(t *testing.T) {
	r := NewRegistry()
	procs := r.Procedures()
	require.Len(t, procs, 10)
	for _, p := range procs {
		assert.NotEmpty(t, p.Script, p.Name)
		assert.Equal(t, []string{PackageArg}, p.Args, p.Name)
		assert.Contains(t, p.Script, importError, p.Name)
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()

	p, ok := r.Lookup("PyPI", types.VulnerabilityRecord{ID: "CVE-1", BugClasses: []string{"memory_leak"}})
	require.True(t, ok)
	assert.Equal(t, "memory_leak/python", p.Name)

	p, ok = r.Lookup("npm", types.VulnerabilityRecord{ID: "CVE-2", Summary: "ReDoS in template parsing"})
	require.True(t, ok, "bug class detected from text")
	assert.Equal(t, "denial_of_service/node", p.Name)

	_, ok = r.Lookup("Go", types.VulnerabilityRecord{ID: "CVE-3", BugClasses: []string{"memory_leak"}})
	assert.False(t, ok, "no probe language for Go")

	_, ok = r.Lookup("PyPI", types.VulnerabilityRecord{ID: "CVE-4", BugClasses: []string{"use_after_free"}})
	assert.False(t, ok)

	_, ok = r.Lookup("PyPI", types.VulnerabilityRecord{ID: "CVE-5", Summary: "Improper certificate handling"})
	assert.False(t, ok)
}

const procedureYAML = `
procedures:
  - name: requests-cve-2023-32681
    ecosystems: [PyPI]
    vulnerabilities: [cve-2023-32681]
    language: python
    script_file: leak.py
    args: ["{package}", "--strict"]
    timeout: 10s
    vulnerable_signature:
      output_pattern: "^LEAKED"
      exit_codes: [3]
    patched_signature:
      output_pattern: "^SAFE"
  - name: memory_leak/python
    bug_classes: [memory_leak]
    language: python
    script: "print('override')"
    vulnerable_signature:
      exception_class: MemoryError
`

func TestRegistryLoadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leak.py"), []byte("print('LEAKED')"), 0o644))
	path := filepath.Join(dir, "probes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(procedureYAML), 0o644))

	r := NewRegistry()
	require.NoError(t, r.LoadFile(path))
	assert.Len(t, r.Procedures(), 11)

	rec := types.VulnerabilityRecord{ID: "GHSA-j8r2-6x86-q33q", Aliases: []string{"CVE-2023-32681"}, BugClasses: []string{"memory_leak"}}
	p, ok := r.Lookup("pypi", rec)
	require.True(t, ok)
	assert.Equal(t, "requests-cve-2023-32681", p.Name, "vulnerability id beats bug class")
	assert.Equal(t, "print('LEAKED')", p.Script)
	assert.Equal(t, 10*time.Second, p.Timeout)
	assert.Equal(t, []string{"requests", "--strict"}, p.sandboxProcedure(sandbox.InstallHandle{Package: "Requests"}).Args)

	p, ok = r.Lookup("npm", rec)
	require.True(t, ok)
	assert.Equal(t, "memory_leak/node", p.Name, "python procedures never serve npm")

	p, ok = r.Lookup("PyPI", types.VulnerabilityRecord{ID: "CVE-9", BugClasses: []string{"memory_leak"}})
	require.True(t, ok)
	assert.Equal(t, "print('override')", p.Script)
}

func TestRegistryLoadFileInvalid(t *testing.T) {
	tests := map[string]string{
		"no signature": "procedures:\n  - name: x\n    language: python\n    script: pass\n",
		"bad language": "procedures:\n  - name: x\n    language: ruby\n    script: pass\n    vulnerable_signature: {crash: true}\n",
		"bad pattern":  "procedures:\n  - name: x\n    language: node\n    script: x\n    vulnerable_signature: {output_pattern: \"([\"}\n",
		"not yaml":     "procedures: [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "p.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			assert.Error(t, NewRegistry().LoadFile(path))
		})
	}
}

func TestSignatureMatch(t *testing.T) {
	sig := Signature{OutputPattern: `(?m)^CRASH:`, ExitCodes: []int{42}, ExceptionClass: "RecursionError", Crash: true}
	require.NoError(t, sig.compile())

	tests := []struct {
		name string
		res  sandbox.Result
		want bool
	}{
		{"output", sandbox.Result{Output: []byte("x\nCRASH:parse:KeyError\n")}, true},
		{"exit code", sandbox.Result{ExitCode: 42}, true},
		{"exception", sandbox.Result{ExitCode: 1, Output: []byte("RecursionError: maximum recursion depth")}, true},
		{"crash", sandbox.Result{ExitCode: -1, Signal: "SIGSEGV"}, true},
		{"killed is not a crash", sandbox.Result{ExitCode: -1, Signal: "SIGKILL"}, false},
		{"timeout", sandbox.Result{TimedOut: true, Output: []byte("CRASH:")}, false},
		{"clean", sandbox.Result{Output: []byte("HANDLED\n")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sig.Match(tt.res))
		})
	}

	dos := Signature{Timeout: true}
	assert.True(t, dos.Match(sandbox.Result{TimedOut: true}))
	assert.False(t, (&Signature{}).Match(sandbox.Result{ExitCode: 0}))
}

func TestImportName(t *testing.T) {
	writeDist := func(t *testing.T, dir, info string, files map[string]string) {
		t.Helper()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, info), 0o755))
		for name, body := range files {
			require.NoError(t, os.WriteFile(filepath.Join(dir, info, name), []byte(body), 0o644))
		}
	}

	topLevel := t.TempDir()
	writeDist(t, topLevel, "PyYAML-6.0.1.dist-info", map[string]string{"top_level.txt": "_yaml\nyaml\n"})

	record := t.TempDir()
	writeDist(t, record, "beautifulsoup4-4.12.3.dist-info", map[string]string{"RECORD": strings.Join([]string{
		"beautifulsoup4-4.12.3.dist-info/METADATA,sha256=x,10",
		"bs4/__init__.py,sha256=y,20",
		"bs4/element.py,sha256=z,30",
		"../../bin/tool,,",
	}, "\n")})

	single := t.TempDir()
	writeDist(t, single, "typing_extensions-4.12.2.dist-info", map[string]string{"RECORD": "typing_extensions.py,sha256=a,1\n"})

	tests := []struct {
		name     string
		language string
		inst     sandbox.InstallHandle
		want     string
	}{
		{"top_level.txt", sandbox.LanguagePython, sandbox.InstallHandle{Package: "PyYAML", Dir: topLevel}, "yaml"},
		{"record package", sandbox.LanguagePython, sandbox.InstallHandle{Package: "beautifulsoup4", Dir: record}, "bs4"},
		{"record module", sandbox.LanguagePython, sandbox.InstallHandle{Package: "typing-extensions", Dir: single}, "typing_extensions"},
		{"no metadata", sandbox.LanguagePython, sandbox.InstallHandle{Package: "Typing.Extensions", Dir: t.TempDir()}, "typing_extensions"},
		{"other dist ignored", sandbox.LanguagePython, sandbox.InstallHandle{Package: "requests", Dir: topLevel}, "requests"},
		{"node", sandbox.LanguageNode, sandbox.InstallHandle{Package: "@scope/pkg"}, "@scope/pkg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, importName(tt.language, tt.inst))
		})
	}
}

func TestSandboxProcedureImportNameOverride(t *testing.T) {
	p := &Procedure{Name: "x", Language: sandbox.LanguagePython, Args: []string{PackageArg}, ImportName: "yaml"}
	assert.Equal(t, []string{"yaml"}, p.sandboxProcedure(sandbox.InstallHandle{Package: "PyYAML"}).Args)
}
