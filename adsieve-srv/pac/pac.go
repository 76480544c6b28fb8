// Package pac generates proxy auto-config scripts that send ad domains to a
// blackhole and everything else through the proxy.
package pac

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ContentType is the MIME type browsers expect for PAC files.
const ContentType = "application/x-ns-proxy-autoconfig"

// Generate returns a FindProxyForURL script. Hosts equal to or below an
// entry in domains resolve to blackholeAddr, all others to proxyAddr.
func Generate(domains []string, proxyAddr, blackholeAddr string) (string, error) {
	list := domains
	if list == nil {
		list = []string{}
	}
	encoded, err := json.MarshalIndent(list, "    ", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to encode domain list: %w", err)
	}

	var b strings.Builder
	b.WriteString("function FindProxyForURL(url, host) {\n")
	fmt.Fprintf(&b, "    var adDomains = %s;\n", encoded)
	b.WriteString("\n")
	b.WriteString("    for (var i = 0; i < adDomains.length; i++) {\n")
	b.WriteString("        if (shExpMatch(host, adDomains[i]) || shExpMatch(host, '*.' + adDomains[i])) {\n")
	fmt.Fprintf(&b, "            return %q;\n", "PROXY "+blackholeAddr)
	b.WriteString("        }\n")
	b.WriteString("    }\n")
	b.WriteString("\n")
	fmt.Fprintf(&b, "    return %q;\n", "PROXY "+proxyAddr)
	b.WriteString("}\n")
	return b.String(), nil
}

// WriteFile generates the script and writes it to path.
func WriteFile(path string, domains []string, proxyAddr, blackholeAddr string) error {
	script, err := Generate(domains, proxyAddr, blackholeAddr)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		return fmt.Errorf("failed to write PAC file %s: %w", path, err)
	}
	return nil
}
