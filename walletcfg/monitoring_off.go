//go:build !monitoring
// +build !monitoring

package walletcfg

// Prometheus is empty in builds without the monitoring tag, so no metrics
// flags are offered.
type Prometheus struct{}

// DefaultPrometheus returns the empty exporter config.
func DefaultPrometheus() Prometheus {
	return Prometheus{}
}

// Enabled always reports false without the monitoring tag.
func (p *Prometheus) Enabled() bool {
	return false
}

// Validate has nothing to check without the monitoring tag.
func (p *Prometheus) Validate() error {
	return nil
}
