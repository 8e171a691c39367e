package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// resetFlags puts the option globals in a known state for a test.
func resetFlags(t *testing.T) {
	t.Helper()
	*method = "2"
	*outDir = ""
	*quiet = true
	*verbose = false
	*force = false
	*split = false
}

func writeInputs(t *testing.T, dir string, files map[string][]byte) []string {
	t.Helper()
	var paths []string
	for name, data := range files {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, data, 0644); err != nil {
			t.Fatalf("failed to write input: %v", err)
		}
		paths = append(paths, p)
	}
	return paths
}

func TestCreateExtractRoundtrip(t *testing.T) {
	resetFlags(t)
	tmpDir := t.TempDir()

	inputs := map[string][]byte{
		"a.txt": bytes.Repeat([]byte("The quick brown fox jumps over the lazy dog. "), 50),
		"b.bin": makeBinaryData(777),
		"empty": {},
	}
	paths := writeInputs(t, tmpDir, inputs)
	archivePath := filepath.Join(tmpDir, "test.zpq")

	if err := addFiles(archivePath, paths, true); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	outRoot := t.TempDir()
	*outDir = outRoot
	if err := extract(archivePath); err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	for name, want := range inputs {
		got, err := os.ReadFile(filepath.Join(outRoot, tmpDir, name))
		if err != nil {
			t.Fatalf("failed to read extracted file: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s: roundtrip failed: got %d bytes, want %d bytes", name, len(got), len(want))
		}
	}
}

func TestCreateWithLevels(t *testing.T) {
	resetFlags(t)
	tmpDir := t.TempDir()
	data := bytes.Repeat([]byte("level test data "), 100)
	paths := writeInputs(t, tmpDir, map[string][]byte{"in.txt": data})

	for _, m := range []string{"0", "1", "2", "3", "4"} {
		t.Run("level "+m, func(t *testing.T) {
			*method = m
			archivePath := filepath.Join(tmpDir, "l"+m+".zpq")
			if err := addFiles(archivePath, paths, true); err != nil {
				t.Fatalf("create failed: %v", err)
			}
			if _, err := scanArchive(archivePath, false); err != nil {
				t.Fatalf("verify failed: %v", err)
			}
		})
	}
}

func TestAppendAndSplit(t *testing.T) {
	resetFlags(t)
	*split = true
	tmpDir := t.TempDir()
	paths := writeInputs(t, tmpDir, map[string][]byte{
		"one.txt": []byte("first file"),
		"two.txt": []byte("second file"),
	})
	archivePath := filepath.Join(tmpDir, "multi.zpq")

	if err := addFiles(archivePath, paths[:1], true); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := addFiles(archivePath, paths[1:], false); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := testArchive(archivePath); err != nil {
		t.Fatalf("test failed: %v", err)
	}
}

func TestAutoMethod(t *testing.T) {
	resetFlags(t)
	*method = "auto"
	tmpDir := t.TempDir()
	paths := writeInputs(t, tmpDir, map[string][]byte{
		"prose.txt": bytes.Repeat([]byte("some readable english prose "), 100),
		"noise.bin": makeBinaryData(4096),
	})
	archivePath := filepath.Join(tmpDir, "auto.zpq")
	if err := addFiles(archivePath, paths, true); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := testArchive(archivePath); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestTestDetectsCorruption(t *testing.T) {
	resetFlags(t)
	tmpDir := t.TempDir()
	paths := writeInputs(t, tmpDir, map[string][]byte{
		"c.txt": bytes.Repeat([]byte("checksummed "), 40),
	})
	archivePath := filepath.Join(tmpDir, "corrupt.zpq")
	if err := addFiles(archivePath, paths, true); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// flip a byte of the stored digest (just before the block end marker)
	raw, err := os.ReadFile(archivePath)
	if err != nil {
		t.Fatalf("failed to read archive: %v", err)
	}
	raw[len(raw)-2] ^= 0xFF
	if err := os.WriteFile(archivePath, raw, 0644); err != nil {
		t.Fatalf("failed to rewrite archive: %v", err)
	}

	if err := testArchive(archivePath); err == nil {
		t.Error("expected verification failure for corrupted digest")
	}
}

func TestExtractRefusesOverwrite(t *testing.T) {
	resetFlags(t)
	tmpDir := t.TempDir()
	paths := writeInputs(t, tmpDir, map[string][]byte{"f.txt": []byte("data")})
	archivePath := filepath.Join(tmpDir, "ow.zpq")
	if err := addFiles(archivePath, paths, true); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	outRoot := t.TempDir()
	*outDir = outRoot
	if err := extract(archivePath); err != nil {
		t.Fatalf("first extract failed: %v", err)
	}
	if err := extract(archivePath); err == nil {
		t.Error("second extract should refuse to overwrite")
	}
	*force = true
	if err := extract(archivePath); err != nil {
		t.Errorf("extract -f failed: %v", err)
	}
}

func TestSafePath(t *testing.T) {
	resetFlags(t)
	testCases := []struct {
		name string
		ok   bool
	}{
		{"plain.txt", true},
		{"dir/nested.txt", true},
		{"./dotted", true},
		{"/etc/passwd", false},
		{"../escape", false},
		{"dir/../../escape", false},
	}
	for _, tc := range testCases {
		_, err := safePath(tc.name)
		if tc.ok && err != nil {
			t.Errorf("%q rejected: %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%q accepted", tc.name)
		}
	}
}

func TestLoadMethod(t *testing.T) {
	resetFlags(t)
	tmpDir := t.TempDir()

	prog, err := loadMethod("1")
	if err != nil || prog.HComp == nil {
		t.Fatalf("built-in level failed: %v", err)
	}
	if _, err := loadMethod("9"); err == nil {
		t.Error("level 9 should not exist")
	}

	cfgPath := filepath.Join(tmpDir, "tiny.cfg")
	cfg := "comp 0 0 0 0 1 0 cm $1+15 8 hcomp halt post 0 end\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	prog, err = loadMethod(cfgPath + ",2")
	if err != nil {
		t.Fatalf("config method failed: %v", err)
	}
	if prog.HComp[6] != 1 {
		t.Errorf("config compiled %d components, want 1", prog.HComp[6])
	}
	if _, err := loadMethod(cfgPath + ",x"); err == nil {
		t.Error("bad numeric argument accepted")
	}
	if _, err := loadMethod(filepath.Join(tmpDir, "missing.cfg")); err == nil {
		t.Error("missing config accepted")
	}
}

func TestListArchive(t *testing.T) {
	resetFlags(t)
	tmpDir := t.TempDir()
	paths := writeInputs(t, tmpDir, map[string][]byte{"l.txt": []byte("listed")})
	archivePath := filepath.Join(tmpDir, "list.zpq")
	if err := addFiles(archivePath, paths, true); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := list(archivePath); err != nil {
		t.Errorf("list failed: %v", err)
	}
	if err := list(filepath.Join(tmpDir, "l.txt")); err == nil {
		t.Error("listing a non-archive should fail")
	}
}

func makeBinaryData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 37 % 256)
	}
	return data
}
