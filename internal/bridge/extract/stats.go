package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/sebas/baresipbridge/internal/bridge/model"
)

var (
	rtcpStatsRe  = regexp.MustCompile(`RTCP_STATS:\s*([^\n]*)`)
	kvSplitRe    = regexp.MustCompile(`[;\s,]+`)
	codecLineRe  = regexp.MustCompile(`^\s*(\d+)\s+([A-Za-z0-9_.-]+)/(\d+)(?:/(\d+))?\s*(?:\(([^)]*)\))?\s*(\*)?`)
	callStatIDRe = regexp.MustCompile(`\bid=([A-Fa-f0-9]+)`)
)

// parseKV reads key=value pairs separated by semicolons, commas or spaces.
func parseKV(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range kvSplitRe.Split(s, -1) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			continue
		}
		out[strings.ToLower(k)] = v
	}
	return out
}

func parseInt(s string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimRight(s, "%"), 10, 64)
	return n, err == nil
}

// parseFloat accepts trailing units such as "12.5ms".
func parseFloat(s string) (float64, bool) {
	s = strings.TrimRightFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

// rtcpStats converts an RTCP_STATS key/value block into per-direction
// counters. It returns nil if no counter was present.
func rtcpStats(kv map[string]string) *UpdateCallStats {
	var rx, tx model.StreamStats
	var hasRx, hasTx bool

	set := func(key string, dst *int64, has *bool) {
		if n, ok := parseInt(kv[key]); ok {
			*dst = n
			*has = true
		}
	}
	setF := func(key string, dst *float64, has *bool) {
		if f, ok := parseFloat(kv[key]); ok {
			*dst = f
			*has = true
		}
	}

	set("packets_rx", &rx.Packets, &hasRx)
	set("lost_rx", &rx.Lost, &hasRx)
	setF("jitter_rx", &rx.Jitter, &hasRx)
	set("bitrate_rx", &rx.Bitrate, &hasRx)
	set("dropouts_rx", &rx.Dropouts, &hasRx)
	set("packets_tx", &tx.Packets, &hasTx)
	set("lost_tx", &tx.Lost, &hasTx)
	setF("jitter_tx", &tx.Jitter, &hasTx)
	set("bitrate_tx", &tx.Bitrate, &hasTx)
	if hasRx {
		setF("rtt", &rx.RTT, &hasRx)
	}

	if !hasRx && !hasTx {
		return nil
	}
	u := &UpdateCallStats{CallID: kv["call_id"]}
	if hasRx {
		u.Rx = &rx
	}
	if hasTx {
		u.Tx = &tx
	}
	return u
}

// parseCodecs reads the "local formats:" block of a callstat dump. Each
// line is resolved through an SDP media description so payload type,
// encoding name and clock rate come back in canonical form.
func parseCodecs(section string) (codecs []model.Codec, active *model.Codec) {
	for _, line := range strings.Split(section, "\n") {
		m := codecLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		pt, err := strconv.ParseUint(m[1], 10, 8)
		if err != nil {
			continue
		}
		rate, _ := strconv.ParseUint(m[3], 10, 32)
		channels, _ := strconv.ParseUint(m[4], 10, 16)

		codec, ok := resolveCodec(uint8(pt), m[2], uint32(rate), uint16(channels), m[5])
		if !ok {
			continue
		}
		codec.Active = m[6] == "*"
		codecs = append(codecs, codec)
		if codec.Active {
			c := codec
			active = &c
		}
	}
	return codecs, active
}

func resolveCodec(pt uint8, name string, rate uint32, channels uint16, fmtp string) (model.Codec, bool) {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{Media: "audio", Protos: []string{"RTP", "AVP"}},
	}
	md = md.WithCodec(pt, name, rate, channels, strings.ReplaceAll(fmtp, " ", ""))
	session := &sdp.SessionDescription{MediaDescriptions: []*sdp.MediaDescription{md}}

	resolved, err := session.GetCodecForPayloadType(pt)
	if err != nil {
		return model.Codec{}, false
	}

	codec := model.Codec{
		PayloadType: resolved.PayloadType,
		Name:        resolved.Name,
		ClockRate:   resolved.ClockRate,
		Channels:    1,
	}
	if n, err := strconv.ParseUint(resolved.EncodingParameters, 10, 16); err == nil && n > 0 {
		codec.Channels = uint16(n)
	}
	if resolved.Fmtp != "" {
		codec.Params = make(map[string]string)
		for _, p := range strings.Split(resolved.Fmtp, ";") {
			if k, v, ok := strings.Cut(p, "="); ok && strings.TrimSpace(k) != "" {
				codec.Params[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
		}
	}
	return codec, true
}
