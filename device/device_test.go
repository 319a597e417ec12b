package device

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseModalias(t *testing.T) {
	id, err := ParseModalias("usb:v1A86p7523d0263dc00dsc00dp00icFFisc01ip00in00")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id != (Identity{0x1a86, 0x7523}) {
		t.Fatalf("unexpected identity %s", id)
	}
	if id.String() != "1a86:7523" {
		t.Fatalf("unexpected string %q", id.String())
	}

	bad := []string{
		"",
		"usb:v1A86p752",            // too short
		"usb:v1A86x7523d0263",      // no separator
		"pci:v00008086d00001234",   // other bus
		"usb:vZZZZp7523d0263",      // vendor not hex
		"usb:v1A86pXXXXd0263",      // product not hex
		"of:NvideoT(null)Cfoo,bar", // platform device
	}
	for _, s := range bad {
		if _, err := ParseModalias(s); err == nil {
			t.Fatalf("missing error for %q", s)
		}
	}
}

func TestParseIdentity(t *testing.T) {
	id, err := ParseIdentity(" 046d:0825 ")
	if err != nil || id != (Identity{0x046d, 0x0825}) {
		t.Fatalf("got %v, %v", id, err)
	}
	for _, s := range []string{"046d", "046d:", "x:1", "10000:1"} {
		if _, err := ParseIdentity(s); err == nil {
			t.Fatalf("missing error for %q", s)
		}
	}
}

// testTree builds a fake sysfs and dev directory. Nodes maps index to
// modalias content.
func testTree(t *testing.T, nodes map[int]string) *Locator {
	t.Helper()
	dir := t.TempDir()
	l := NewLocator(nil)
	l.SysfsRoot = filepath.Join(dir, "sys")
	l.DevRoot = filepath.Join(dir, "dev")
	l.PollInterval = 10 * time.Millisecond
	if err := os.MkdirAll(l.DevRoot, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for i, alias := range nodes {
		addNode(t, l, i, alias)
	}
	return l
}

func addNode(t *testing.T, l *Locator, index int, alias string) {
	t.Helper()
	if err := writeNode(l, index, alias); err != nil {
		t.Fatalf("adding node: %v", err)
	}
}

func writeNode(l *Locator, index int, alias string) error {
	d := filepath.Join(l.SysfsRoot, "video"+strconv.Itoa(index), "device")
	if err := os.MkdirAll(d, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d, "modalias"), []byte(alias+"\n"), 0o644)
}

func TestFind(t *testing.T) {
	l := testTree(t, map[int]string{
		0:  "of:NvideoT(null)",
		1:  "usb:v046Dp0825d0012dcEFdsc02dp01ic0Eisc01ip00in00",
		2:  "usb:v1A86p7523d0263dc00dsc00dp00icFFisc01ip00in00",
		3:  "usb:v1A86p7523d0263dc00dsc00dp00icFFisc01ip00in00",
		4:  "usb:v1A8",
		12: "usb:vAAAApBBBB",
	})

	p, err := l.Find(Identity{0x1a86, 0x7523})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if p != filepath.Join(l.DevRoot, "video2") {
		t.Fatalf("found %q, expected lowest matching index", p)
	}

	if _, err := l.Find(Identity{0xaaaa, 0xbbbb}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("node beyond max index: got %v", err)
	}
	l.MaxIndex = 12
	if _, err := l.Find(Identity{0xaaaa, 0xbbbb}); err != nil {
		t.Fatalf("find with raised max index: %v", err)
	}
}

func TestList(t *testing.T) {
	l := testTree(t, map[int]string{
		1: "usb:v046Dp0825d0012",
		3: "garbage",
		5: "usb:v1A86p7523d0263",
	})
	nodes, err := l.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []Node{
		{1, filepath.Join(l.DevRoot, "video1"), Identity{0x046d, 0x0825}},
		{5, filepath.Join(l.DevRoot, "video5"), Identity{0x1a86, 0x7523}},
	}
	if !reflect.DeepEqual(nodes, want) {
		t.Fatalf("got %+v, expected %+v", nodes, want)
	}

	empty := testTree(t, nil)
	if _, err := empty.List(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("list without devices: got %v", err)
	}
}

func TestSkippedNodesLogged(t *testing.T) {
	l := testTree(t, map[int]string{
		0: "",
		1: "usb:v1A8",
		3: "usb:v1A86p7523d0263",
	})
	core, logs := observer.New(zapcore.DebugLevel)
	l.Logger = zap.New(core)
	l.MaxIndex = 3

	if _, err := l.Find(Identity{0x1a86, 0x7523}); err != nil {
		t.Fatalf("find: %v", err)
	}
	skipped := map[int64]bool{}
	for _, e := range logs.All() {
		if index, ok := e.ContextMap()["index"].(int64); ok {
			skipped[index] = true
		}
	}
	// Empty, malformed and missing modalias files each leave a trace.
	for _, index := range []int64{0, 1, 2} {
		if !skipped[index] {
			t.Fatalf("skip of node %d not logged, got %v", index, logs.All())
		}
	}
	if skipped[3] {
		t.Fatalf("matching node logged as skipped")
	}
}

func TestWait(t *testing.T) {
	l := testTree(t, nil)
	id := Identity{0x1a86, 0x7523}

	go func() {
		time.Sleep(30 * time.Millisecond)
		writeNode(l, 2, "usb:v1A86p7523d0263")
		os.WriteFile(filepath.Join(l.DevRoot, "video2"), nil, 0o644)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := l.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if p != filepath.Join(l.DevRoot, "video2") {
		t.Fatalf("unexpected path %q", p)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Wait(ctx, Identity{1, 2}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("wait for absent device: got %v", err)
	}
}
