package capability

import "testing"

func TestProcessConfigBuilder(t *testing.T) {
	cfg := NewProcessConfig("grep").
		Arg("-r").
		Arg("pattern").
		SetEnv("LANG", "C").
		WorkingDir("/var/log").
		RedirectStdio().
		WithPTY("xterm", 80, 24)

	if cfg.Program != "grep" {
		t.Errorf("Program = %q", cfg.Program)
	}
	if len(cfg.Args) != 2 || cfg.Args[0] != "-r" || cfg.Args[1] != "pattern" {
		t.Errorf("Args = %v", cfg.Args)
	}
	if cfg.Env["LANG"] != "C" {
		t.Errorf("Env = %v", cfg.Env)
	}
	if cfg.Dir != "/var/log" {
		t.Errorf("Dir = %q", cfg.Dir)
	}
	if !cfg.Stdin || !cfg.Stdout || !cfg.Stderr {
		t.Errorf("stdio flags = %v/%v/%v, want all true", cfg.Stdin, cfg.Stdout, cfg.Stderr)
	}
	if cfg.PTY == nil || cfg.PTY.Term != "xterm" || cfg.PTY.Cols != 80 || cfg.PTY.Rows != 24 {
		t.Errorf("PTY = %+v", cfg.PTY)
	}
}

func TestSetEnvOnZeroValueConfig(t *testing.T) {
	var cfg ProcessConfig
	cfg.SetEnv("K", "V")
	if cfg.Env["K"] != "V" {
		t.Errorf("Env = %v", cfg.Env)
	}
}

func TestExitStateSignaled(t *testing.T) {
	if (ExitState{Code: 1}).Signaled() {
		t.Error("code exit reported as signaled")
	}
	if !(ExitState{Signal: "KILL"}).Signaled() {
		t.Error("signal exit not reported as signaled")
	}
}

func TestFileTypeString(t *testing.T) {
	tests := []struct {
		t    FileType
		want string
	}{
		{FileTypeRegular, "file"},
		{FileTypeDir, "dir"},
		{FileTypeSymlink, "symlink"},
		{FileTypeOther, "other"},
		{FileType(200), "other"},
	}
	for _, tt := range tests {
		if got := tt.t.String(); got != tt.want {
			t.Errorf("FileType(%d).String() = %q, want %q", tt.t, got, tt.want)
		}
	}
}

func TestOpenOptionPresets(t *testing.T) {
	if o := ReadOnly(); !o.Read || o.Write || o.Create {
		t.Errorf("ReadOnly() = %+v", o)
	}
	if o := WriteOnly(); o.Read || !o.Write || !o.Create || !o.Truncate {
		t.Errorf("WriteOnly() = %+v", o)
	}
	if o := ReadWrite(); !o.Read || !o.Write {
		t.Errorf("ReadWrite() = %+v", o)
	}
}

func TestFileInfoIsDir(t *testing.T) {
	if (FileInfo{Type: FileTypeRegular}).IsDir() {
		t.Error("regular file reported as dir")
	}
	if !(FileInfo{Type: FileTypeDir}).IsDir() {
		t.Error("dir not reported as dir")
	}
}

func TestAddressHelpers(t *testing.T) {
	if a := TCPAddr("127.0.0.1:80"); a.Network != "tcp" || a.Addr != "127.0.0.1:80" {
		t.Errorf("TCPAddr = %+v", a)
	}
	if a := UnixAddr("/run/app.sock"); a.Network != "unix" || a.Addr != "/run/app.sock" {
		t.Errorf("UnixAddr = %+v", a)
	}
	if s := TCPAddr("host:22").String(); s != "tcp:host:22" {
		t.Errorf("String() = %q", s)
	}
}
