// Package integration diagnoses a local tether installation: filesystem
// paths, the daemon socket, and the mirror database.
package integration

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ymgch/tether/internal/config"
)

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type DoctorResult struct {
	OK       bool          `json:"ok"`
	Checks   []DoctorCheck `json:"checks"`
	Warnings []string      `json:"warnings,omitempty"`
}

// Doctor inspects the installation described by cfg. It never contacts the
// daemon; a missing socket is a warning, not a failure, since the daemon
// may simply not be running.
func Doctor(cfg config.Config) DoctorResult {
	out := DoctorResult{OK: true}
	add := func(c DoctorCheck) {
		out.Checks = append(out.Checks, c)
		if c.Status == "warn" {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == "fail" {
			out.OK = false
		}
	}

	add(checkDir("socket_dir", filepath.Dir(cfg.SocketPath)))
	add(checkSocket("socket", cfg.SocketPath))
	add(checkDir("db_dir", filepath.Dir(cfg.DBPath)))
	add(checkDB("db", cfg.DBPath))
	add(checkLock("lock", cfg.SocketPath+".lock"))
	return out
}

func checkDir(name, path string) DoctorCheck {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DoctorCheck{Name: name, Status: "warn", Message: "directory does not exist yet; tetherd creates it on start", Path: path}
		}
		return DoctorCheck{Name: name, Status: "fail", Message: err.Error(), Path: path}
	}
	if !st.IsDir() {
		return DoctorCheck{Name: name, Status: "fail", Message: "path exists but is not a directory", Path: path}
	}
	return DoctorCheck{Name: name, Status: "pass", Message: "directory exists", Path: path}
}

func checkSocket(name, path string) DoctorCheck {
	st, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DoctorCheck{Name: name, Status: "warn", Message: "socket absent; tetherd is not running", Path: path}
		}
		return DoctorCheck{Name: name, Status: "fail", Message: err.Error(), Path: path}
	}
	if st.Mode()&os.ModeSocket == 0 {
		return DoctorCheck{Name: name, Status: "fail", Message: "path exists but is not a unix socket", Path: path}
	}
	return DoctorCheck{Name: name, Status: "pass", Message: "socket present", Path: path}
}

func checkDB(name, path string) DoctorCheck {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DoctorCheck{Name: name, Status: "warn", Message: "database absent; tetherd creates it on first start", Path: path}
		}
		return DoctorCheck{Name: name, Status: "fail", Message: err.Error(), Path: path}
	}
	if st.IsDir() {
		return DoctorCheck{Name: name, Status: "fail", Message: "database path is a directory", Path: path}
	}
	if st.Mode().Perm()&0o077 != 0 {
		return DoctorCheck{Name: name, Status: "warn", Message: "database is readable by other users", Path: path}
	}
	return DoctorCheck{Name: name, Status: "pass", Message: fmt.Sprintf("database present (%d bytes)", st.Size()), Path: path}
}

func checkLock(name, path string) DoctorCheck {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DoctorCheck{Name: name, Status: "pass", Message: "no lock file", Path: path}
		}
		return DoctorCheck{Name: name, Status: "fail", Message: err.Error(), Path: path}
	}
	if st.IsDir() {
		return DoctorCheck{Name: name, Status: "fail", Message: "lock path is a directory", Path: path}
	}
	return DoctorCheck{Name: name, Status: "pass", Message: "lock file present", Path: path}
}
