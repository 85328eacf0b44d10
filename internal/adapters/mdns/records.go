// Package mdns is the primary discovery transport: DNS-SD over multicast
// DNS. Each hosted session is one service instance whose TXT record
// carries the advertisement.
package mdns

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/dkeye/Party/internal/domain"
)

const (
	DefaultService = "_partysync._tcp.local."
	DefaultPort    = 5353
	DefaultTTL     = 120
	instancePrefix = "party-"
)

var groupIPv4 = net.IPv4(224, 0, 0, 251)

// InstanceName is the DNS-SD instance label of a session.
func InstanceName(id domain.SessionID) string {
	s := string(id)
	if len(s) > 8 {
		s = s[:8]
	}
	return instancePrefix + s
}

// TXT attribute keys.
const (
	keyID       = "id"
	keyName     = "name"
	keyHostID   = "hostId"
	keyHostName = "hostName"
	keyMembers  = "members"
	keyMax      = "max"
	keyPassword = "pw"
	keyVersion  = "v"
	keyTime     = "ts"
)

func txtAttrs(adv domain.SessionAdvertisement) []string {
	pw := "0"
	if adv.IsPasswordProtected {
		pw = "1"
	}
	return []string{
		keyID + "=" + string(adv.SessionID),
		keyName + "=" + adv.SessionName,
		keyHostID + "=" + string(adv.HostID),
		keyHostName + "=" + adv.HostName,
		keyMembers + "=" + strconv.Itoa(adv.MemberCount),
		keyMax + "=" + strconv.Itoa(adv.MaxMembers),
		keyPassword + "=" + pw,
		keyVersion + "=" + adv.ProtocolVersion,
		keyTime + "=" + strconv.FormatInt(adv.Timestamp, 10),
	}
}

func advFromTXT(txt []string) (domain.SessionAdvertisement, error) {
	var adv domain.SessionAdvertisement
	for _, kv := range txt {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		var err error
		switch k {
		case keyID:
			adv.SessionID = domain.SessionID(v)
		case keyName:
			adv.SessionName = v
		case keyHostID:
			adv.HostID = domain.DeviceID(v)
		case keyHostName:
			adv.HostName = v
		case keyMembers:
			adv.MemberCount, err = strconv.Atoi(v)
		case keyMax:
			adv.MaxMembers, err = strconv.Atoi(v)
		case keyPassword:
			adv.IsPasswordProtected = v == "1"
		case keyVersion:
			adv.ProtocolVersion = v
		case keyTime:
			adv.Timestamp, err = strconv.ParseInt(v, 10, 64)
		}
		if err != nil {
			return adv, fmt.Errorf("mdns: bad %s attribute: %w", k, err)
		}
	}
	if adv.SessionID == "" {
		return adv, errors.New("mdns: TXT record without session id")
	}
	return adv, nil
}

// buildResponse encodes PTR, SRV, TXT and (when the address is IPv4) A
// records for adv. A zero ttl is a goodbye.
func buildResponse(service string, adv domain.SessionAdvertisement, ttl uint32) ([]byte, error) {
	inst := InstanceName(adv.SessionID)
	svc, err := dnsmessage.NewName(service)
	if err != nil {
		return nil, err
	}
	instName, err := dnsmessage.NewName(inst + "." + service)
	if err != nil {
		return nil, err
	}
	host, err := dnsmessage.NewName(inst + ".local.")
	if err != nil {
		return nil, err
	}
	hdr := func(n dnsmessage.Name, t dnsmessage.Type) dnsmessage.ResourceHeader {
		return dnsmessage.ResourceHeader{Name: n, Type: t, Class: dnsmessage.ClassINET, TTL: ttl}
	}

	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{Response: true, Authoritative: true})
	b.EnableCompression()
	if err := b.StartAnswers(); err != nil {
		return nil, err
	}
	if err := b.PTRResource(hdr(svc, dnsmessage.TypePTR), dnsmessage.PTRResource{PTR: instName}); err != nil {
		return nil, err
	}
	if err := b.SRVResource(hdr(instName, dnsmessage.TypeSRV), dnsmessage.SRVResource{Port: uint16(adv.Port), Target: host}); err != nil {
		return nil, err
	}
	if err := b.TXTResource(hdr(instName, dnsmessage.TypeTXT), dnsmessage.TXTResource{TXT: txtAttrs(adv)}); err != nil {
		return nil, err
	}
	if ip := net.ParseIP(adv.HostAddress).To4(); ip != nil {
		var a [4]byte
		copy(a[:], ip)
		if err := b.AResource(hdr(host, dnsmessage.TypeA), dnsmessage.AResource{A: a}); err != nil {
			return nil, err
		}
	}
	return b.Finish()
}

func buildQuery(service string) ([]byte, error) {
	name, err := dnsmessage.NewName(service)
	if err != nil {
		return nil, err
	}
	b := dnsmessage.NewBuilder(make([]byte, 0, 64), dnsmessage.Header{})
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(dnsmessage.Question{Name: name, Type: dnsmessage.TypePTR, Class: dnsmessage.ClassINET}); err != nil {
		return nil, err
	}
	return b.Finish()
}

// isQueryFor reports whether msg asks for the service's instances.
func isQueryFor(service string, msg []byte) bool {
	var p dnsmessage.Parser
	h, err := p.Start(msg)
	if err != nil || h.Response {
		return false
	}
	qs, err := p.AllQuestions()
	if err != nil {
		return false
	}
	for _, q := range qs {
		if (q.Type == dnsmessage.TypePTR || q.Type == dnsmessage.TypeALL) && strings.EqualFold(q.Name.String(), service) {
			return true
		}
	}
	return false
}

type announcement struct {
	adv     domain.SessionAdvertisement
	goodbye bool
}

// parseResponse extracts every instance of service announced in msg.
// Queries and unrelated services yield nothing.
func parseResponse(service string, msg []byte) ([]announcement, error) {
	var p dnsmessage.Parser
	h, err := p.Start(msg)
	if err != nil {
		return nil, err
	}
	if !h.Response {
		return nil, nil
	}
	if err := p.SkipAllQuestions(); err != nil {
		return nil, err
	}
	answers, err := p.AllAnswers()
	if err != nil {
		return nil, err
	}
	if err := p.SkipAllAuthorities(); err != nil {
		return nil, err
	}
	extras, err := p.AllAdditionals()
	if err != nil {
		return nil, err
	}

	svc := strings.ToLower(service)
	instances := make(map[string]uint32)
	var order []string
	srv := make(map[string]dnsmessage.SRVResource)
	txt := make(map[string][]string)
	addrs := make(map[string]net.IP)
	for _, r := range append(answers, extras...) {
		name := strings.ToLower(r.Header.Name.String())
		switch body := r.Body.(type) {
		case *dnsmessage.PTRResource:
			if name != svc {
				continue
			}
			inst := strings.ToLower(body.PTR.String())
			if _, ok := instances[inst]; !ok {
				order = append(order, inst)
			}
			instances[inst] = r.Header.TTL
		case *dnsmessage.SRVResource:
			srv[name] = *body
		case *dnsmessage.TXTResource:
			txt[name] = body.TXT
		case *dnsmessage.AResource:
			addrs[name] = net.IPv4(body.A[0], body.A[1], body.A[2], body.A[3])
		}
	}

	var out []announcement
	for _, inst := range order {
		attrs, ok := txt[inst]
		if !ok {
			continue
		}
		adv, err := advFromTXT(attrs)
		if err != nil {
			continue
		}
		if s, ok := srv[inst]; ok {
			adv.Port = int(s.Port)
			if ip, ok := addrs[strings.ToLower(s.Target.String())]; ok {
				adv.HostAddress = ip.String()
			}
		}
		out = append(out, announcement{adv: adv, goodbye: instances[inst] == 0})
	}
	return out, nil
}
