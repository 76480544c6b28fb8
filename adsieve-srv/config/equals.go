package config

// HasChanged returns true if the configuration has changed compared to another config.
// Fields are compared explicitly without reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if len(a.Servers) != len(b.Servers) {
		return true
	}
	for i := range a.Servers {
		if a.Servers[i] != b.Servers[i] {
			return true
		}
	}
	if a.TimeoutSeconds != b.TimeoutSeconds ||
		a.DialTimeoutSeconds != b.DialTimeoutSeconds ||
		a.MaxConcurrentConnections != b.MaxConcurrentConnections ||
		a.SweepIntervalSeconds != b.SweepIntervalSeconds {
		return true
	}
	if !adListEqual(a.AdList, b.AdList) {
		return true
	}
	if a.Filter != b.Filter || a.Dump != b.Dump || a.Statistics != b.Statistics ||
		a.Portal != b.Portal || a.PAC != b.PAC {
		return true
	}
	return !upstreamEqual(a.Upstream, b.Upstream)
}

func adListEqual(a, b AdListConfig) bool {
	if a.File != b.File || !stringSliceEqual(a.Domains, b.Domains) {
		return false
	}
	return true
}

func upstreamEqual(a, b UpstreamConfig) bool {
	return a.Type == b.Type &&
		a.Address == b.Address &&
		stringPtrEqual(a.Username, b.Username) &&
		stringPtrEqual(a.Password, b.Password)
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
