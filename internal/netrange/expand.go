// Package netrange 将网段/区间/单个 IP 文本展开为有序去重的 IPv4 目标列表
package netrange

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
	"go4.org/netipx"
)

// ErrExpansion 单行网段/区间语法错误，该行被丢弃，解析继续
var ErrExpansion = errors.New("netrange: invalid address expression")

var (
	splitRe    = regexp.MustCompile(`[\n,]`)
	dottedQuad = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)
)

// Expand 解析多行（或逗号分隔）输入，返回按数值排序、去重后的地址列表。
// 单行错误只记录日志，不影响其他行；全部失败时返回空列表
func Expand(text string) []string {
	var b netipx.IPSetBuilder
	for _, line := range splitRe.Split(text, -1) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.Contains(line, "/"):
			p, err := ParseCIDR(line)
			if err != nil {
				log.WithError(err).WithField("line", line).Warn("Invalid subnet format")
				continue
			}
			addHosts(&b, p)
		case strings.Contains(line, "-"):
			r, err := ParseRange(line)
			if err != nil {
				log.WithError(err).WithField("line", line).Warn("Invalid IP range format")
				continue
			}
			b.AddRange(r)
		case dottedQuad.MatchString(line):
			a, err := netip.ParseAddr(line)
			if err != nil {
				log.WithError(err).WithField("line", line).Warn("Invalid IP address")
				continue
			}
			b.Add(a)
		default:
			log.WithField("line", line).Debug("Ignoring unrecognised target line")
		}
	}
	set, err := b.IPSet()
	if err != nil {
		log.WithError(err).Error("Building target set failed")
		return []string{}
	}
	return flatten(set)
}

// ParseCIDR 解析 IPv4 网段，主机位不为零时按所在网络处理
func ParseCIDR(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(strings.TrimSpace(s))
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %s: %v", ErrExpansion, s, err)
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("%w: %s: not an IPv4 network", ErrExpansion, s)
	}
	return p.Masked(), nil
}

// ParseRange 解析 A-B 形式区间；B 不含点时视为 A 的最后一段。
// 结束地址小于起始地址时返回错误（上层得到空结果）
func ParseRange(s string) (netipx.IPRange, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return netipx.IPRange{}, fmt.Errorf("%w: %s: expected start-end", ErrExpansion, s)
	}
	startText := strings.TrimSpace(parts[0])
	endText := strings.TrimSpace(parts[1])
	if !strings.Contains(endText, ".") {
		if i := strings.LastIndex(startText, "."); i >= 0 {
			endText = startText[:i+1] + endText
		}
	}
	start, err := netip.ParseAddr(startText)
	if err != nil || !start.Is4() {
		return netipx.IPRange{}, fmt.Errorf("%w: %s: bad start address", ErrExpansion, s)
	}
	end, err := netip.ParseAddr(endText)
	if err != nil || !end.Is4() {
		return netipx.IPRange{}, fmt.Errorf("%w: %s: bad end address", ErrExpansion, s)
	}
	r := netipx.IPRangeFrom(start, end)
	if !r.IsValid() {
		return netipx.IPRange{}, fmt.Errorf("%w: %s: descending range", ErrExpansion, s)
	}
	return r, nil
}

// addHosts 加入网段内可用主机地址：/31 /32 全部可用，其余去掉网络地址与广播地址
func addHosts(b *netipx.IPSetBuilder, p netip.Prefix) {
	if p.Bits() >= 31 {
		b.AddPrefix(p)
		return
	}
	r := netipx.RangeOfPrefix(p)
	b.AddRange(netipx.IPRangeFrom(r.From().Next(), r.To().Prev()))
}

// flatten 按数值顺序输出集合内全部地址，不做截断
func flatten(set *netipx.IPSet) []string {
	out := []string{}
	for _, r := range set.Ranges() {
		for a := r.From(); a.IsValid() && a.Compare(r.To()) <= 0; a = a.Next() {
			out = append(out, a.String())
		}
	}
	return out
}
