package main

import (
	"encoding/xml"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/janekbaraniewski/cliproxymon/internal/config"
)

const (
	launchdDaemonLabel = "com.cliproxymon.daemon"
	systemdDaemonUnit  = "cliproxymon.service"
)

// daemonServiceManager installs the daemon as a launchd agent or a systemd
// user unit.
type daemonServiceManager struct {
	kind       string
	exePath    string
	configPath string
	socketPath string
	stateDir   string
	unitPath   string
}

func newDaemonServiceManager(configPath, socketPath string) (daemonServiceManager, error) {
	exePath, err := os.Executable()
	if err != nil {
		return daemonServiceManager{}, fmt.Errorf("resolve executable path: %w", err)
	}

	manager := daemonServiceManager{
		kind:       runtime.GOOS,
		exePath:    exePath,
		configPath: strings.TrimSpace(configPath),
		socketPath: strings.TrimSpace(socketPath),
		stateDir:   config.ConfigDir(),
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return daemonServiceManager{}, fmt.Errorf("resolve home dir: %w", err)
	}
	switch runtime.GOOS {
	case "darwin":
		manager.unitPath = filepath.Join(home, "Library", "LaunchAgents", launchdDaemonLabel+".plist")
	case "linux":
		manager.unitPath = filepath.Join(home, ".config", "systemd", "user", systemdDaemonUnit)
	default:
		manager.kind = "unsupported"
	}
	return manager, nil
}

func (m daemonServiceManager) isSupported() bool {
	return m.kind == "darwin" || m.kind == "linux"
}

func (m daemonServiceManager) isInstalled() bool {
	if strings.TrimSpace(m.unitPath) == "" {
		return false
	}
	_, err := os.Stat(m.unitPath)
	return err == nil
}

func (m daemonServiceManager) statusHint() string {
	switch m.kind {
	case "darwin":
		return "launchctl print gui/$(id -u)/" + launchdDaemonLabel
	case "linux":
		return "systemctl --user status " + systemdDaemonUnit
	default:
		return ""
	}
}

func (m daemonServiceManager) daemonArgs() []string {
	args := []string{m.exePath, "daemon", "run"}
	if m.configPath != "" {
		args = append(args, "--config", m.configPath)
	}
	if m.socketPath != "" {
		args = append(args, "--socket-path", m.socketPath)
	}
	return args
}

func (m daemonServiceManager) install() error {
	switch m.kind {
	case "darwin":
		return m.installLaunchd()
	case "linux":
		return m.installSystemdUser()
	default:
		return fmt.Errorf("daemon service install is unsupported on %s", runtime.GOOS)
	}
}

func (m daemonServiceManager) uninstall() error {
	switch m.kind {
	case "darwin":
		return m.uninstallLaunchd()
	case "linux":
		return m.uninstallSystemdUser()
	default:
		return fmt.Errorf("daemon service uninstall is unsupported on %s", runtime.GOOS)
	}
}

func (m daemonServiceManager) domainCandidates() []string {
	uid := fmt.Sprintf("%d", os.Getuid())
	return []string{"gui/" + uid, "user/" + uid}
}

func (m daemonServiceManager) installLaunchd() error {
	if err := os.MkdirAll(filepath.Dir(m.unitPath), 0o755); err != nil {
		return fmt.Errorf("create launch agents dir: %w", err)
	}
	if err := os.MkdirAll(m.stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	content := launchdPlist(m.daemonArgs(), filepath.Join(m.stateDir, "daemon.stdout.log"), filepath.Join(m.stateDir, "daemon.stderr.log"))
	if err := os.WriteFile(m.unitPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write launchd plist: %w", err)
	}

	var lastErr error
	for _, domain := range m.domainCandidates() {
		_, _ = runCommand("launchctl", "bootout", domain+"/"+launchdDaemonLabel)
		if _, err := runCommand("launchctl", "bootstrap", domain, m.unitPath); err != nil {
			lastErr = err
			continue
		}
		if _, err := runCommand("launchctl", "kickstart", "-k", domain+"/"+launchdDaemonLabel); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("launchd bootstrap failed")
}

func (m daemonServiceManager) uninstallLaunchd() error {
	var lastErr error
	for _, domain := range m.domainCandidates() {
		if _, err := runCommand("launchctl", "bootout", domain+"/"+launchdDaemonLabel); err != nil && !isLaunchctlNoSuchProcess(err) {
			lastErr = err
		}
	}
	if err := os.Remove(m.unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove launchd plist: %w", err)
	}
	return lastErr
}

func isLaunchctlNoSuchProcess(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(msg, "no such process") || strings.Contains(msg, "boot-out failed: 3")
}

func (m daemonServiceManager) installSystemdUser() error {
	if err := os.MkdirAll(filepath.Dir(m.unitPath), 0o755); err != nil {
		return fmt.Errorf("create systemd user dir: %w", err)
	}
	if err := os.WriteFile(m.unitPath, []byte(systemdUnit(m.daemonArgs())), 0o644); err != nil {
		return fmt.Errorf("write systemd unit: %w", err)
	}
	if _, err := runCommand("systemctl", "--user", "daemon-reload"); err != nil {
		return err
	}
	_, err := runCommand("systemctl", "--user", "enable", "--now", systemdDaemonUnit)
	return err
}

func (m daemonServiceManager) uninstallSystemdUser() error {
	_, _ = runCommand("systemctl", "--user", "disable", "--now", systemdDaemonUnit)
	if err := os.Remove(m.unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove systemd unit: %w", err)
	}
	_, _ = runCommand("systemctl", "--user", "daemon-reload")
	return nil
}

func runCommand(name string, args ...string) (string, error) {
	output, err := exec.Command(name, args...).CombinedOutput()
	trimmed := strings.TrimSpace(string(output))
	if err != nil {
		if trimmed != "" {
			return trimmed, fmt.Errorf("%s %s failed: %w (%s)", name, strings.Join(args, " "), err, trimmed)
		}
		return trimmed, fmt.Errorf("%s %s failed: %w", name, strings.Join(args, " "), err)
	}
	return trimmed, nil
}

func launchdPlist(args []string, stdoutPath, stderrPath string) string {
	var programArgs strings.Builder
	for _, arg := range args {
		programArgs.WriteString("\t\t<string>" + xmlEscape(arg) + "</string>\n")
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>%s</string>
	<key>ProgramArguments</key>
	<array>
%s	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
	<key>StandardOutPath</key>
	<string>%s</string>
	<key>StandardErrorPath</key>
	<string>%s</string>
</dict>
</plist>
`, launchdDaemonLabel, programArgs.String(), xmlEscape(stdoutPath), xmlEscape(stderrPath))
}

func systemdUnit(args []string) string {
	return fmt.Sprintf(`[Unit]
Description=cliproxymon CLIProxyAPI monitor
After=network-online.target

[Service]
Type=simple
ExecStart=%s
Restart=always
RestartSec=2
WorkingDirectory=%%h

[Install]
WantedBy=default.target
`, strings.Join(args, " "))
}

func xmlEscape(in string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(in)); err != nil {
		return in
	}
	return b.String()
}
