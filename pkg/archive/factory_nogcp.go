//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSStore(_ context.Context, _ Config) (Store, error) {
	return nil, fmt.Errorf("archive: GCS storage is not enabled in this build (use -tags gcp)")
}
