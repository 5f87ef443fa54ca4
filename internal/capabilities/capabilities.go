// Package capabilities reports whether the running kernel is ready to
// host the tuner's eBPF probes, without attempting to install anything.
// It generalizes the teacher's BTF/CO-RE detection (internal/ebpf/btf.go)
// from "is bcc-tools installed" to "can this agent load its probe
// object and pin its maps", and borrows the dependency-check framing of
// the teacher's internal/installer package without any of its
// install-side-effect code.
package capabilities

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PinDir is the tuner's own bpffs directory. The writability check
// tests it when it exists and otherwise tests /sys/fs/bpf, under which
// the probe package pins TARGET_TGIDS by default.
const PinDir = "/sys/fs/bpf/tuner"

// Report summarizes whether this host can run the tuner's eBPF probes.
type Report struct {
	KernelVersion  string          `json:"kernel_version"`
	MajorVersion   int             `json:"major_version"`
	MinorVersion   int             `json:"minor_version"`
	BTFAvailable   bool            `json:"btf_available"`
	VmlinuxPath    string          `json:"vmlinux_path,omitempty"`
	CORESupport    bool            `json:"core_support"` // kernel >= 5.8
	BpffsMounted   bool            `json:"bpffs_mounted"`
	PinDirWritable bool            `json:"pin_dir_writable"`
	KConfig        map[string]bool `json:"kconfig"`
	Level          int             `json:"level"`
	LevelName      string          `json:"level_name"`
}

// Detect inspects the running kernel and returns a Report. It never
// mutates system state: no mounts, no directory creation, no package
// installation.
func Detect() *Report {
	r := &Report{KConfig: make(map[string]bool)}

	r.KernelVersion = readKernelVersion()
	r.MajorVersion, r.MinorVersion = parseKernelVersion(r.KernelVersion)
	if r.MajorVersion > 5 || (r.MajorVersion == 5 && r.MinorVersion >= 8) {
		r.CORESupport = true
	}

	const btfPath = "/sys/kernel/btf/vmlinux"
	if fileExists(btfPath) {
		r.BTFAvailable = true
		r.VmlinuxPath = btfPath
	}

	r.BpffsMounted = isBpffsMounted()
	r.PinDirWritable = pinDirWritable()

	for _, opt := range []string{
		"CONFIG_BPF",
		"CONFIG_BPF_SYSCALL",
		"CONFIG_BPF_JIT",
		"CONFIG_HAVE_EBPF_JIT",
		"CONFIG_BPF_EVENTS",
		"CONFIG_KPROBE_EVENTS",
		"CONFIG_DEBUG_INFO_BTF",
		"CONFIG_PSI",
	} {
		r.KConfig[strings.ToLower(opt)] = readKConfig()[opt]
	}

	r.Level = level(r)
	r.LevelName = levelName(r.Level)
	return r
}

// level returns the tuner's operating tier for this host:
//
//	3: native CO-RE eBPF probes, maps pinnable under PinDir
//	2: eBPF available but maps cannot be pinned (bpffs missing/RO);
//	   probes still load, one-shot, unpinned
//	1: no usable BTF — probes cannot be loaded at all
func level(r *Report) int {
	if !r.BTFAvailable || !r.CORESupport || !r.KConfig["config_bpf_syscall"] {
		return 1
	}
	if !r.BpffsMounted || !r.PinDirWritable {
		return 2
	}
	return 3
}

func levelName(l int) string {
	switch l {
	case 3:
		return "ready"
	case 2:
		return "degraded"
	default:
		return "unsupported"
	}
}

// Format renders a Report as a human-readable capability summary, in
// the same checklist style as the teacher's FormatCapabilities.
func Format(r *Report) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Tuner readiness: %s (tier %d)\n\n", r.LevelName, r.Level)
	fmt.Fprintf(&sb, "Kernel: %s\n\n", r.KernelVersion)

	checks := []struct {
		label string
		ok    bool
	}{
		{"BTF (vmlinux)", r.BTFAvailable},
		{"CO-RE support (>= 5.8)", r.CORESupport},
		{"bpffs mounted", r.BpffsMounted},
		{fmt.Sprintf("pin dir writable (%s)", PinDir), r.PinDirWritable},
	}
	sb.WriteString("Probe loading:\n")
	for _, c := range checks {
		status := "✗"
		if c.ok {
			status = "✓"
		}
		fmt.Fprintf(&sb, "  %s %s\n", status, c.label)
	}

	sb.WriteString("\nKernel config:\n")
	for _, opt := range []string{
		"config_bpf", "config_bpf_syscall", "config_bpf_jit",
		"config_have_ebpf_jit", "config_bpf_events",
		"config_kprobe_events", "config_debug_info_btf", "config_psi",
	} {
		status := "✗"
		if r.KConfig[opt] {
			status = "✓"
		}
		fmt.Fprintf(&sb, "  %s %s\n", status, opt)
	}

	if r.Level == 2 {
		sb.WriteString("\nNote: the agent will still run in this tier, with reduced " +
			"signal fidelity or no persisted pin state across restarts.\n")
	}

	return sb.String()
}

func readKernelVersion() string {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return ""
	}
	fields := strings.Fields(string(data))
	if len(fields) >= 3 {
		return fields[2]
	}
	return ""
}

func parseKernelVersion(version string) (int, int) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return 0, 0
	}
	major, _ := strconv.Atoi(parts[0])
	minorStr := parts[1]
	if idx := strings.IndexAny(minorStr, "-+~"); idx >= 0 {
		minorStr = minorStr[:idx]
	}
	minor, _ := strconv.Atoi(minorStr)
	return major, minor
}

func readKConfig() map[string]bool {
	configs := make(map[string]bool)

	paths := []string{
		fmt.Sprintf("/boot/config-%s", readKernelRelease()),
		"/proc/config.gz",
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "#") || line == "" {
				continue
			}
			if idx := strings.Index(line, "="); idx >= 0 {
				key := line[:idx]
				val := line[idx+1:]
				configs[key] = val == "y" || val == "m"
			}
		}
		break
	}
	return configs
}

func readKernelRelease() string {
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// isBpffsMounted checks /proc/mounts for a bpf-type filesystem, rather
// than just checking for the directory's existence, since /sys/fs/bpf
// can exist unmounted on older distros.
func isBpffsMounted() bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return fileExists("/sys/fs/bpf")
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[2] == "bpf" {
			return true
		}
	}
	return false
}

// pinDirWritable checks whether PinDir (or its parent, if PinDir does
// not yet exist) would accept a created/pinned map file. It never
// creates the directory itself.
func pinDirWritable() bool {
	if info, err := os.Stat(PinDir); err == nil {
		return info.IsDir() && unixWritable(PinDir)
	}
	parent := "/sys/fs/bpf"
	if info, err := os.Stat(parent); err == nil {
		return info.IsDir() && unixWritable(parent)
	}
	return false
}

// unixWritable is a best-effort writability probe: bpffs does not honor
// a real access(2) check reliably inside containers, so this attempts
// (and immediately removes) a throwaway temp file.
func unixWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".tuner-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}
