// Package cmdpolicy 决定一条命令能否下发到远程主机，并对命令输出中的敏感信息脱敏
package cmdpolicy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Decision 命令分类结果
type Decision int

const (
	Allow Decision = iota
	Blocked
	Restricted
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Blocked:
		return "blocked"
	case Restricted:
		return "restricted"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Verdict 单条命令的判定
type Verdict struct {
	Command  string   `json:"command"`
	Decision Decision `json:"-"`
	Reason   string   `json:"reason,omitempty"`
}

// Allowed 是否允许执行
func (v Verdict) Allowed() bool { return v.Decision == Allow }

// dangerousCommands 已知破坏性命令片段，大小写不敏感的子串匹配
var dangerousCommands = []string{
	"rm -rf /", "rm -rf /*", "rm -rf ~", "rm -rf .", "rm -rf *",
	"mkfs", "dd if=/dev/zero",
	"> /dev/sda", "/dev/null > /dev/sda",
	"mv /* /dev/null", "cat /dev/zero > ",
	"fork bomb", ":(){ :|:& };:",
	"wget | bash", "curl | bash",
	"echo .* | xargs rm",
	"shutdown", "reboot", "halt", "poweroff",
	"passwd", "adduser", "deluser",
	"chmod -r 777 /",
	"chown -r",
	"/etc/shadow", "/etc/passwd",
	"iptables -f", "ufw disable",
}

// dangerousPatterns 危险的命令结构
var dangerousPatterns = compileAll(
	`(?i)^\s*rm\s+-rf\s+[/~]`,
	`(?i)^\s*dd\s+.*\s+of=/dev/[sh]d[a-z]`,
	`(?i)>\s*/dev/[sh]d[a-z]`,
	`(?i).*[;&|]\s*rm\s+-rf\s+/`,
	`(?i);rm\s+`,
	`(?i)\|\s*rm\s+`,
	`(?i)>\s*/etc/`,
	`(?i)^\s*sudo\s+su\s+`,
	`(?i)[;&|]\s*sudo\s+su`,
	`(?i)[;&|]\s*reboot`,
	`(?i)[;&|]\s*shutdown`,
	`(?i)init\s+[06]`,
	`(?i):\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
	`(?i)wget\s+.*\s*\|\s*bash`,
	`(?i)curl\s+.*\s*\|\s*bash`,
	`(?i)wget\s+.*\s*\|\s*sh`,
	`(?i)curl\s+.*\s*\|\s*sh`,
	`(?i)nc\s+.*\s+-e\s+`,
	`(?i)base64\s+.*\s*\|\s*bash`,
	`(?i)[\s;&|](sudo\s+)?rm\s+.*\s+--no-preserve-root`,
	`(?i)[\s;&|]sudo\s+.*-i`,
	`(?i)[;<>&|]\s*\[\w+\]\(\)\s*\{\s*.*\s*\}\s*`,
)

// restrictedCommands 需要更高信任才能执行的命令
var restrictedCommands = []string{
	"sudo ", "su ", "iptables", "firewall-cmd",
	"chmod ", "chown ", "chgrp ",
	"visudo", "fdisk", "parted",
	"systemctl", "service ", "systemd-",
	"useradd", "usermod", "userdel",
	"groupadd", "groupmod", "groupdel",
	"ssh-keygen", "cryptsetup",
	"tcpdump", "wireshark-cli",
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// Classify 按固定顺序判定命令，首个命中即返回。结果只取决于命令字符串本身
func Classify(command string) Verdict {
	v := Verdict{Command: command, Decision: Allow}
	if strings.TrimSpace(command) == "" {
		v.Decision, v.Reason = Blocked, "empty command"
		return v
	}
	lower := strings.ToLower(command)

	for _, frag := range dangerousCommands {
		if strings.Contains(lower, frag) {
			v.Decision, v.Reason = Blocked, "command contains blocked pattern: "+frag
			return v
		}
	}
	for _, re := range dangerousPatterns {
		if re.MatchString(command) {
			v.Decision, v.Reason = Blocked, "command matches dangerous pattern: "+re.String()
			return v
		}
	}
	if strings.Contains(command, ";") || strings.Contains(command, "&&") || strings.Contains(command, "||") {
		v.Decision, v.Reason = Blocked, "command chaining using ';', '&&', or '||' is not allowed"
		return v
	}
	if strings.ContainsAny(command, ">|") {
		v.Decision, v.Reason = Blocked, "redirection (>) and piping (|) are not allowed"
		return v
	}
	if strings.Contains(command, "`") || strings.Contains(command, "$(") {
		v.Decision, v.Reason = Blocked, "command substitution using backticks or $() is not allowed"
		return v
	}
	for _, frag := range restrictedCommands {
		if strings.Contains(lower, frag) {
			v.Decision, v.Reason = Restricted, "command contains restricted pattern requiring approval: "+strings.TrimSpace(frag)
			return v
		}
	}
	return v
}

// Validate 逐条判定，allSafe 表示全部为 Allow
func Validate(commands []string) (bool, []Verdict) {
	allSafe := true
	out := make([]Verdict, 0, len(commands))
	for _, c := range commands {
		v := Classify(c)
		if !v.Allowed() {
			allSafe = false
		}
		out = append(out, v)
	}
	return allSafe, out
}

// Filter 只保留 Allow 的命令，保持原顺序
func Filter(commands []string) []string {
	out := make([]string, 0, len(commands))
	for _, c := range commands {
		if Classify(c).Allowed() {
			out = append(out, c)
		}
	}
	return out
}

// Mode 命令列表中出现被拒命令时的处理方式
type Mode string

const (
	// ModeFilter 跳过被拒命令，其余照常执行
	ModeFilter Mode = "filter"
	// ModeStrict 任一命令被拒则整批拒绝
	ModeStrict Mode = "strict"
)

// ParseMode 解析配置值，空串为 ModeFilter
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeFilter:
		return ModeFilter, nil
	case ModeStrict:
		return ModeStrict, nil
	}
	return "", fmt.Errorf("unknown command policy %q (want filter or strict)", s)
}

// ErrRejected 严格模式下整批命令被拒
var ErrRejected = errors.New("command batch rejected by policy")

// Policy 命令过滤策略
type Policy struct {
	Mode Mode
	// AllowRestricted 为 true 时 Restricted 命令（如 sudo systemctl）也可执行
	AllowRestricted bool
}

// Permits 单条命令在此策略下是否可执行
func (p Policy) Permits(v Verdict) bool {
	return v.Decision == Allow || (p.AllowRestricted && v.Decision == Restricted)
}

// Apply 返回可执行的命令与被拒的判定；严格模式下有被拒命令时返回 ErrRejected 且不放行任何命令
func (p Policy) Apply(commands []string) ([]string, []Verdict, error) {
	allowed := make([]string, 0, len(commands))
	var rejected []Verdict
	for _, c := range commands {
		v := Classify(c)
		if p.Permits(v) {
			allowed = append(allowed, c)
			continue
		}
		log.WithFields(log.Fields{
			"command":  Redact(c),
			"decision": v.Decision.String(),
			"reason":   v.Reason,
		}).Warn("Command rejected by policy")
		rejected = append(rejected, v)
	}
	if len(rejected) > 0 && p.Mode == ModeStrict {
		reasons := make([]string, len(rejected))
		for i, v := range rejected {
			reasons[i] = fmt.Sprintf("%q: %s", v.Command, v.Reason)
		}
		return nil, rejected, fmt.Errorf("%w: %s", ErrRejected, strings.Join(reasons, "; "))
	}
	return allowed, rejected, nil
}
