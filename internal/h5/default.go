//go:build !hdf5

package h5

// Default returns the backend of this build.
func Default() Backend { return Gob{} }
