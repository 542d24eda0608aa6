//go:build !gocv

package detector

import "fmt"

func newDNN(string, float64) (Backend, error) {
	return nil, fmt.Errorf("dnn backend requires a build with the gocv tag")
}
