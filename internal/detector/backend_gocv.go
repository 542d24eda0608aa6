//go:build gocv

package detector

func newDNN(dir string, confidence float64) (Backend, error) {
	return NewDNNBackend(dir, confidence), nil
}
