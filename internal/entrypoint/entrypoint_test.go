package entrypoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestFindConventionalName(t *testing.T) {
	root := t.TempDir()
	write(t, root, "helpers.py", "if __name__ == '__main__':\n    pass\n")
	write(t, root, "bot.py", "print('bot')\n")
	write(t, root, "run.py", "print('run')\n")

	got, err := Find(root, Policy{})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got != filepath.Join(root, "bot.py") {
		t.Fatalf("expected bot.py (listed before run), got %s", got)
	}
}

func TestFindMarkerDeterministic(t *testing.T) {
	root := t.TempDir()
	write(t, root, "zeta/start.py", "if __name__ == \"__main__\":\n    main()\n")
	write(t, root, "alpha/launcher.py", "app = ApplicationBuilder().token(t).build()\n")
	write(t, root, "lib.py", "def f(): pass\n")
	write(t, root, "venv/site.py", "if __name__ == '__main__': pass\n")

	for i := 0; i < 5; i++ {
		got, err := Find(root, Policy{})
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if got != filepath.Join(root, "alpha", "launcher.py") {
			t.Fatalf("run %d: expected alpha/launcher.py, got %s", i, got)
		}
	}
}

func TestFindFallbackAndMissing(t *testing.T) {
	root := t.TempDir()
	write(t, root, "b_helper.py", "x = 1\n")
	write(t, root, "a_worker.py", "y = 2\n")
	write(t, root, "README.md", "docs")

	got, err := Find(root, Policy{})
	if err != nil || got != filepath.Join(root, "a_worker.py") {
		t.Fatalf("fallback: got %s err=%v", got, err)
	}

	empty := t.TempDir()
	write(t, empty, "notes.txt", "nothing")
	if _, err := Find(empty, Policy{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindCustomExtensions(t *testing.T) {
	root := t.TempDir()
	write(t, root, "main.sh", "#!/bin/sh\necho hi\n")
	got, err := Find(root, Policy{Extensions: []string{".sh"}})
	if err != nil || got != filepath.Join(root, "main.sh") {
		t.Fatalf("got %s err=%v", got, err)
	}
}
