//go:build !unix

package inputtail

import (
	"os"

	"github.com/MuchTitan/go-log-shipper/internal"
)

func identityOf(os.FileInfo) internal.FileIdentity {
	return internal.FileIdentity{}
}
