package commands

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haivivi/sensornn/pkg/detlog"
	"github.com/haivivi/sensornn/pkg/nn"
)

// execCmd runs the root command with args and captures its output.
func execCmd(t *testing.T, args ...string) (stdout, stderr string, exitCode int) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()
	os.Stdout = wOut
	os.Stderr = wErr

	verbose = false
	configPath = ""
	formatOutput = "table"
	outputFile = ""
	strategy = ""
	weightsURL = ""
	flashDB = ""
	metricsAddr = ""
	runRate = 0
	runStereo = false
	runLogDir = ""
	runJobs = 2
	runAll = false

	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())

	wOut.Close()
	wErr.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	var outBuf, errBuf bytes.Buffer
	outBuf.ReadFrom(rOut)
	errBuf.ReadFrom(rErr)

	stdout = outBuf.String()
	stderr = errBuf.String()
	if err != nil {
		exitCode = 1
		stderr += err.Error()
	}
	return stdout, stderr, exitCode
}

func TestVersion(t *testing.T) {
	stdout, _, code := execCmd(t, "version")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout, "sensornn") {
		t.Fatalf("expected 'sensornn', got: %s", stdout)
	}
}

func TestVersionJSON(t *testing.T) {
	stdout, _, code := execCmd(t, "version", "--format", "json")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout, `"version"`) {
		t.Fatalf("expected JSON, got: %s", stdout)
	}
}

func TestInfo(t *testing.T) {
	stdout, stderr, code := execCmd(t, "info", "--format", "json")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	var r infoReport
	if err := json.Unmarshal([]byte(stdout), &r); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout)
	}
	if r.Stats.Strategy != nn.StrategyVirtual || len(r.Stats.Layout) != 2 || r.Stats.Arena == nil {
		t.Fatalf("info = %+v", r.Stats)
	}
	if r.Stats.Layout[0].Kind != "backbone" || r.Stats.Layout[1].Kind != "streaming" {
		t.Fatalf("layout = %+v", r.Stats.Layout)
	}
}

func TestInfoDirectTable(t *testing.T) {
	stdout, stderr, code := execCmd(t, "info", "--strategy", "direct")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "arena (direct)") || !strings.Contains(stdout, "backbone") {
		t.Fatalf("unexpected output:\n%s", stdout)
	}
}

func TestUnknownStrategy(t *testing.T) {
	_, stderr, code := execCmd(t, "info", "--strategy", "mmap")
	if code == 0 || !strings.Contains(stderr, "strategy") {
		t.Fatalf("expected strategy error, got %d: %s", code, stderr)
	}
}

func TestWeightsExportAndLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "weights")
	if _, stderr, code := execCmd(t, "weights", "export", dir); code != 0 {
		t.Fatalf("export: %s", stderr)
	}
	bbSize, stSize := nn.ModelSizes(nn.DefaultConfig())
	for name, size := range map[string]int{nn.BackboneBlob: bbSize, nn.StreamingBlob: stSize} {
		fi, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if fi.Size() != int64(size) {
			t.Fatalf("%s is %d bytes, want %d", name, fi.Size(), size)
		}
	}
	if _, stderr, code := execCmd(t, "info", "--weights", dir, "--format", "yaml"); code != 0 {
		t.Fatalf("info with weights: %s", stderr)
	}
}

func TestFlashDBReopen(t *testing.T) {
	db := t.TempDir()
	for range 2 {
		if _, stderr, code := execCmd(t, "info", "--flash-db", db, "--format", "yaml"); code != 0 {
			t.Fatalf("info --flash-db: %s", stderr)
		}
	}
	if _, _, code := execCmd(t, "info", "--flash-db", db, "--strategy", "direct"); code == 0 {
		t.Fatal("expected --flash-db to require the virtual strategy")
	}
}

func writePCM(t *testing.T, samples int) string {
	t.Helper()
	b := make([]byte, 2*samples)
	for i := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(int16((i%200)*100-10000)))
	}
	path := filepath.Join(t.TempDir(), "clip.raw")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun(t *testing.T) {
	clip := writePCM(t, 3*1024+500)
	logDir := t.TempDir()

	stdout, stderr, code := execCmd(t, "run", "--log", logDir, "--format", "json", clip, clip)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	var results []fileResult
	if err := json.Unmarshal([]byte(stdout), &results); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	for _, r := range results {
		if r.Windows != 4 || len(r.Decisions) != 4 {
			t.Fatalf("%s: %d windows", r.File, r.Windows)
		}
		for i, d := range r.Decisions {
			if d.FrameID != uint32(i) {
				t.Fatalf("decision %d has frame %d", i, d.FrameID)
			}
		}
	}
	if results[0].Session == results[1].Session {
		t.Fatal("files shared a session")
	}

	log, err := detlog.Open(detlog.Options{Dir: logDir})
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()
	var logged int
	for rec, err := range log.List(context.Background(), results[0].Session) {
		if err != nil {
			t.Fatal(err)
		}
		if rec.Source != "clip.raw" {
			t.Fatalf("source = %q", rec.Source)
		}
		logged++
	}
	if logged != 4 {
		t.Fatalf("logged %d decisions, want 4", logged)
	}
}

func TestRunResampledStereo(t *testing.T) {
	clip := writePCM(t, 2*44100)
	stdout, stderr, code := execCmd(t, "run", "--rate", "44100", "--stereo", "--format", "json", clip)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	var results []fileResult
	if err := json.Unmarshal([]byte(stdout), &results); err != nil {
		t.Fatal(err)
	}
	// One second of stereo at 44.1 kHz is about 47 windows at 48 kHz.
	if w := results[0].Windows; w < 40 || w > 48 {
		t.Fatalf("windows = %d", w)
	}
}

func TestRunMissingFile(t *testing.T) {
	_, stderr, code := execCmd(t, "run", filepath.Join(t.TempDir(), "nope.raw"))
	if code == 0 || !strings.Contains(stderr, "nope.raw") {
		t.Fatalf("expected error naming the file, got %d: %s", code, stderr)
	}
}

func TestBench(t *testing.T) {
	stdout, stderr, code := execCmd(t, "bench", "--cycles", "2,5", "--format", "json")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	var r benchReport
	if err := json.Unmarshal([]byte(stdout), &r); err != nil {
		t.Fatal(err)
	}
	if len(r.Batches) != 2 || r.Batches[0].Cycles != 2 || r.Batches[1].Cycles != 5 {
		t.Fatalf("batches = %+v", r.Batches)
	}
	for _, b := range r.Batches {
		if b.Mean <= 0 || b.Max < b.P50 {
			t.Fatalf("timing = %+v", b)
		}
	}
}

func TestUnsupportedFormat(t *testing.T) {
	if _, _, code := execCmd(t, "info", "--format", "xml"); code == 0 {
		t.Fatal("expected error for unsupported format")
	}
}
