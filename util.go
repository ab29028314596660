package ice

import (
	"net"
	"strings"

	"github.com/pion/randutil"
)

const runesAlpha = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

var globalMathRandomGenerator = randutil.NewMathRandomGenerator()

// randSeq generates a random alphabetic string of length n, used for
// candidate ids, ufrag/password defaults, and peer-reflexive foundations.
func randSeq(n int) string {
	s, err := randutil.GenerateCryptoRandomString(n, runesAlpha)
	if err != nil {
		// crypto/rand failure is not recoverable; fall back to the
		// math/rand generator rather than returning an empty id.
		b := make([]byte, n)
		for i := range b {
			b[i] = runesAlpha[globalMathRandomGenerator.Intn(len(runesAlpha))]
		}
		return string(b)
	}
	return s
}

// multiError aggregates independent failures from a fan-out operation
// (e.g. gathering candidates across several interfaces) into one error
// without losing any individual message.
type multiError []error

func (m multiError) Error() string {
	parts := make([]string, 0, len(m))
	for _, err := range m {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}

// flattenErrs drops nil entries and returns nil if nothing failed.
func flattenErrs(errs []error) error {
	var out multiError
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// localInterfaces returns the local IP addresses eligible for host
// candidate gathering, restricted to the requested network types and
// excluding loopback and unsupported link-local IPv6.
func localInterfaces(interfaceFilter func(string) bool, networkTypes []NetworkType) ([]net.IP, error) {
	wantIPv4, wantIPv6 := false, false
	for _, nt := range networkTypes {
		if nt.IsIPv4() {
			wantIPv4 = true
		}
		if nt.IsIPv6() {
			wantIPv6 = true
		}
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if interfaceFilter != nil && !interfaceFilter(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if ip4 := ip.To4(); ip4 != nil {
				if wantIPv4 {
					ips = append(ips, ip4)
				}
				continue
			}
			if wantIPv6 && isSupportedIPv6(ip) {
				ips = append(ips, ip)
			}
		}
	}
	return ips, nil
}
