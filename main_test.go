package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/GLGPrograms/TinyDiskII/drive"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512", 512, false},
		{"512b", 512, false},
		{"16k", 16 << 10, false},
		{"32M", 32 << 20, false},
		{" 1g ", 1 << 30, false},
		{"1.5m", 3 << 19, false},
		{"", 0, true},
		{"lots", 0, true},
		{"-4k", 0, true},
	}
	for _, tt := range tests {
		got, err := parseSize(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseSize(%q) = %d, %v", tt.in, got, err)
		}
	}
}

func TestSectorOrders(t *testing.T) {
	for _, name := range []string{"dos", "prodos", "linear"} {
		order, err := parseOrder(name)
		if err != nil {
			t.Fatal(err)
		}
		sorted := append([]int(nil), order...)
		sort.Ints(sorted)
		for i, v := range sorted {
			if v != i {
				t.Errorf("%s order is not a permutation: %v", name, order)
				break
			}
		}
	}
	if _, err := parseOrder("cpm"); err == nil {
		t.Error("unknown order accepted")
	}
}

func testDSK() []byte {
	dsk := make([]byte, dskSize(drive.Tracks, drive.SectorsPerTrack))
	for i := range dsk {
		dsk[i] = byte(i*7 + i/sectorBytes)
	}
	return dsk
}

func TestDSKRoundTrip(t *testing.T) {
	dsk := testDSK()
	for _, name := range []string{"dos", "prodos"} {
		order, _ := parseOrder(name)
		nic, err := dskToNIC(dsk, order, drive.Tracks, drive.SectorsPerTrack, volumeByte)
		if err != nil {
			t.Fatal(err)
		}
		if len(nic) != drive.Tracks*drive.SectorsPerTrack*512 {
			t.Fatalf("nic is %d bytes", len(nic))
		}
		back := make([]byte, len(dsk))
		for b := 0; b < len(nic)/512; b++ {
			tr, p := b/drive.SectorsPerTrack, b%drive.SectorsPerTrack
			if err := placeSector(back, order, drive.SectorsPerTrack, tr, p, nic[b*512:(b+1)*512]); err != nil {
				t.Fatal(err)
			}
		}
		if !bytes.Equal(back, dsk) {
			t.Errorf("%s: round trip differs", name)
		}
	}
	if _, err := dskToNIC(dsk[:1000], dos33Order, drive.Tracks, drive.SectorsPerTrack, volumeByte); err == nil {
		t.Error("short image accepted")
	}
}

func TestSmartSplit(t *testing.T) {
	verb, args := smartSplit(`select  "MY DISK.NIC"`)
	if verb != "select" || len(args) != 1 || args[0] != "MY DISK.NIC" {
		t.Errorf("got %q %q", verb, args)
	}
	if verb, args := smartSplit("   "); verb != "" || len(args) != 0 {
		t.Errorf("blank line gave %q %q", verb, args)
	}
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

// makeCard builds a 16M card holding testDSK as a scattered DISK.NIC.
func makeCard(t *testing.T) (string, []byte) {
	t.Helper()
	dir := t.TempDir()
	dsk := testDSK()
	dskPath := filepath.Join(dir, "in.dsk")
	if err := os.WriteFile(dskPath, dsk, 0o644); err != nil {
		t.Fatal(err)
	}
	img := filepath.Join(dir, "card.img")
	out := run(t, "mkimage", "--out", img, "--size", "16m", "--dsk", dskPath, "--stride", "3", "--label", "TINYDISK")
	if !strings.Contains(out, "entry 1: DISK.NIC, 286720 bytes") {
		t.Fatalf("mkimage output:\n%s", out)
	}
	return img, dsk
}

func dskSector(dsk []byte, track, physical int) []byte {
	off := (track*16 + dos33Order[physical]) * sectorBytes
	return dsk[off : off+sectorBytes]
}

func TestCLIFlow(t *testing.T) {
	img, dsk := makeCard(t)
	dir := filepath.Dir(img)

	out := run(t, "ls", img)
	if !strings.Contains(out, "DISK.NIC") || !strings.Contains(out, "140") {
		t.Errorf("ls:\n%s", out)
	}

	out = run(t, "info", img, "--entry", "DISK.NIC")
	if !strings.Contains(out, "Chain: 140 of 150 clusters  Fragments: 140  Unmapped sectors: 0") {
		t.Errorf("info:\n%s", out)
	}

	out = run(t, "read", img, "--entry", "1", "-t", "17", "-s", "9", "--decode")
	if !strings.Contains(out, "volume 254 track 17 sector 9") || !strings.Contains(out, hex.Dump(dskSector(dsk, 17, 9))) {
		t.Errorf("read:\n%s", out)
	}

	data := bytes.Repeat([]byte{0x5A}, sectorBytes)
	dataPath := filepath.Join(dir, "sector.bin")
	if err := os.WriteFile(dataPath, data, 0o644); err != nil {
		t.Fatal(err)
	}
	out = run(t, "write", img, "--entry", "DISK.NIC", "-t", "3", "-s", "4", "--data", dataPath)
	if !strings.Contains(out, "t:3 s:4 written") {
		t.Errorf("write:\n%s", out)
	}
	out = run(t, "read", img, "--entry", "DISK.NIC", "-t", "3", "-s", "4", "--decode")
	if !strings.Contains(out, hex.Dump(data)) {
		t.Errorf("read after write:\n%s", out)
	}

	out = run(t, "scan", img, "--entry", "DISK.NIC", "--no-ui")
	if !strings.Contains(out, "ok 560  unmapped 0") {
		t.Errorf("scan:\n%s", out)
	}

	exported := filepath.Join(dir, "out.dsk")
	run(t, "export", img, "--entry", "DISK.NIC", "--out", exported)
	got, err := os.ReadFile(exported)
	if err != nil {
		t.Fatal(err)
	}
	copy(dskSector(dsk, 3, 4), data)
	if !bytes.Equal(got, dsk) {
		t.Error("exported image differs from the written disk")
	}
}

func TestMkimageRefusesOverwrite(t *testing.T) {
	img, _ := makeCard(t)
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"mkimage", "--out", img, "--size", "16m"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "--force") {
		t.Errorf("overwrite without --force: %v", err)
	}
}

func TestLogLevelRejected(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--log-level", "loud", "devices"})
	if err := cmd.Execute(); err == nil {
		t.Error("bad log level accepted")
	}
}

func TestProfileRejected(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--profile", "gpu", "devices"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "--profile") {
		t.Errorf("unknown profile: %v", err)
	}
}

func openTestSession(t *testing.T, img string) *session {
	t.Helper()
	s, err := openSession(context.Background(), img, &options{timeout: 250 * time.Millisecond}, true)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDiskViewReadAt(t *testing.T) {
	img, dsk := makeCard(t)
	s := openTestSession(t, img)
	if err := s.selectRef("DISK.NIC"); err != nil {
		t.Fatal(err)
	}
	v, err := newDiskView(s, dos33Order)
	if err != nil {
		t.Fatal(err)
	}
	r := viewReader{v: v, decoded: true}
	if r.Size() != int64(len(dsk)) {
		t.Fatalf("size %d", r.Size())
	}

	buf := make([]byte, 700)
	if n, err := r.ReadAt(buf, 4000); n != len(buf) || err != nil {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
	if !bytes.Equal(buf, dsk[4000:4700]) {
		t.Error("decoded view differs across sector boundaries")
	}

	n, err := r.ReadAt(buf, r.Size()-100)
	if n != 100 || err == nil {
		t.Errorf("read past end = %d, %v", n, err)
	}

	raw := viewReader{v: v, decoded: false}
	block := make([]byte, 512)
	if _, err := raw.ReadAt(block, 512*18); err != nil {
		t.Fatal(err)
	}
	if _, trk, sec, err := drive.Address(block); err != nil || trk != 1 || sec != 2 {
		t.Errorf("raw block 18 is t:%d s:%d (%v)", trk, sec, err)
	}
}

func TestShell(t *testing.T) {
	img, _ := makeCard(t)
	s := openTestSession(t, img)
	var out, errOut bytes.Buffer
	sh := &shell{s: s, out: &out, errOut: &errOut}

	if r := sh.process("chain"); r != -1 || !strings.Contains(errOut.String(), "needs a selected disk") {
		t.Errorf("chain before select = %d, %q", r, errOut.String())
	}
	for _, line := range []string{"select DISK.NIC", "translate 0 4", "write 1 1 0xA5"} {
		if r := sh.process(line); r != 0 {
			t.Fatalf("%q = %d: %s", line, r, errOut.String())
		}
	}
	if !strings.Contains(out.String(), "entry 1 selected, 140 clusters") {
		t.Errorf("select output %q", out.String())
	}

	deadline := time.Now().Add(time.Second)
	for !strings.Contains(out.String(), "write back done") {
		if time.Now().After(deadline) {
			t.Fatalf("write never acknowledged:\n%s", out.String())
		}
		if r := sh.process("poll"); r != 0 {
			t.Fatalf("poll: %s", errOut.String())
		}
	}

	out.Reset()
	if r := sh.process("read 1 1 decode"); r != 0 {
		t.Fatalf("read: %s", errOut.String())
	}
	if !strings.Contains(out.String(), hex.Dump(bytes.Repeat([]byte{0xA5}, sectorBytes))) {
		t.Errorf("read back:\n%s", out.String())
	}
	out.Reset()
	if r := sh.process("byte 0"); r != 0 || out.String() != "0xff\n" {
		t.Errorf("byte 0 = %d %q", r, out.String())
	}

	if r := sh.process("read 99 0"); r != -1 {
		t.Error("read outside the geometry succeeded")
	}
	if r := sh.process("bogus"); r != -1 {
		t.Error("unknown command accepted")
	}
	if r := sh.process("select"); r != -1 {
		t.Error("missing argument accepted")
	}
	if r := sh.process("quit"); r != shellExit {
		t.Errorf("quit = %d", r)
	}
}
