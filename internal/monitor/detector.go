package monitor

import (
	"regexp"
	"strings"
)

// ProbeDetector flags submissions and outputs that look like someone probing
// the sandbox. It never blocks anything; its findings become security events
// alongside the analyzer's verdict.
type ProbeDetector struct {
	source []DetectionPattern
	output []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detected threats.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

func NewProbeDetector() *ProbeDetector {
	return &ProbeDetector{
		source: sourcePatterns(),
		output: outputPatterns(),
	}
}

// ScanSource reports suspicious strings in submitted source, one detection
// per pattern per line.
func (d *ProbeDetector) ScanSource(source string) []Detection {
	var detections []Detection
	for i, line := range strings.Split(source, "\n") {
		for _, p := range d.source {
			if p.Regex.MatchString(line) {
				detections = append(detections, Detection{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				})
			}
		}
	}
	return detections
}

// ScanOutput checks captured output for host details that should never be
// visible from inside the sandbox.
func (d *ProbeDetector) ScanOutput(output string) []Detection {
	var detections []Detection
	for _, p := range d.output {
		if p.Regex.MatchString(output) {
			detections = append(detections, Detection{
				Pattern:  p.Name,
				Severity: p.Severity.String(),
				Detail:   p.Description,
			})
		}
	}
	return detections
}

// MaxSeverity returns the highest severity among detections, or "" for none.
func MaxSeverity(detections []Detection) string {
	best := Severity(-1)
	for _, det := range detections {
		for s := SeverityLow; s <= SeverityCritical; s++ {
			if det.Severity == s.String() && s > best {
				best = s
			}
		}
	}
	if best < SeverityLow {
		return ""
	}
	return best.String()
}

func sourcePatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "proc_self_access",
			Description: "References /proc/self process internals",
			Regex:       regexp.MustCompile(`/proc/(self|\d+)/(root|exe|fd|ns|maps|mem|environ|cmdline)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "host_paths",
			Description: "References host credential or socket paths",
			Regex:       regexp.MustCompile(`/etc/(passwd|shadow|sudoers)|/var/run/(docker|containerd)|\.ssh/`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "metadata_service",
			Description: "References a cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reverse_shell",
			Description: "Looks like a reverse shell command",
			Regex:       regexp.MustCompile(`(?i)(\bnc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "ctypes_payload",
			Description: "Builds native calls or raw bytecode",
			Regex:       regexp.MustCompile(`(?i)\b(ctypes|cffi|CDLL|PyDLL|CodeType|FunctionType|marshal\.loads)\b`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "encoded_payload",
			Description: "Decodes an embedded payload",
			Regex:       regexp.MustCompile(`(?i)(b64decode|a85decode|fromhex|rot13|zlib\.decompress)\s*\(`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "fork_bomb",
			Description: "Shell fork bomb pattern",
			Regex:       regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight|hashrate)`),
			Severity:    SeverityMedium,
		},
	}
}

func outputPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "passwd_leak",
			Description: "Output contains a passwd database entry",
			Regex:       regexp.MustCompile(`root:x:0:0:`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "kernel_leak",
			Description: "Output contains the kernel version banner",
			Regex:       regexp.MustCompile(`Linux version \d+\.\d+`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "private_key_leak",
			Description: "Output contains a private key",
			Regex:       regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "credential_leak",
			Description: "Output contains a credential-like environment variable",
			Regex:       regexp.MustCompile(`(?m)^(AWS_SECRET_ACCESS_KEY|AWS_ACCESS_KEY_ID|DATABASE_URL|[A-Z_]*(TOKEN|SECRET|PASSWORD))=`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "runtime_socket",
			Description: "Output mentions a container runtime socket",
			Regex:       regexp.MustCompile(`(docker|containerd)\.sock`),
			Severity:    SeverityCritical,
		},
	}
}
