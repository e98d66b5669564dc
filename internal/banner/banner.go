// Package banner renders the CLI start-up banner.
package banner

import "fmt"

const art = `
  ___ _ __ ___   ___ _ __ / _|
 / __| '_ ` + "`" + ` _ \ / __| '__| |_
 \__ \ | | | | | (__| |  |  _|
 |___/_| |_| |_|\___|_|  |_|
`

// Banner returns the banner with the version line.
func Banner(version string) string {
	return fmt.Sprintf("%s  semi-Markov CRF sequence labeler %s\n\n", art, version)
}
