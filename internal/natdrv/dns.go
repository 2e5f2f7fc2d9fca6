package natdrv

// NotifyDNSChanged pushes the host's new DNS domain and search list to the
// engine on the calling goroutine; the engine serializes these two entry
// points internally. Nameserver addresses are not re-plumbed at runtime;
// guests keep the address they were configured with.
func (d *Driver) NotifyDNSChanged(domainName string, searchDomains []string) {
	d.log.Info("host dns configuration changed",
		"domain", domainName, "searchDomains", len(searchDomains))
	d.engine.SetDomainName(domainName)
	d.engine.SetSearchDomains(searchDomains)
}
