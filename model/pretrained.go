package model

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/checkpoints"
	"github.com/tsawler/go-xray/engine"
	"github.com/tsawler/go-xray/tensor"
	"k8s.io/klog/v2"
)

// LoadBackboneWeights copies convolution weights from an ONNX model into
// the backbone. The first NumConvs Conv nodes of the graph are used in
// order; their OIHW kernels must match the backbone's shapes exactly.
func (c *Classifier) LoadBackboneWeights(path string) error {
	convs, err := checkpoints.NewONNXImporter().ImportConvWeights(path)
	if err != nil {
		return errors.Wrapf(err, "read pretrained weights %s", path)
	}

	var targets []engine.Layer
	for _, l := range c.backbone.Layers() {
		if len(l.Params()) == 2 {
			targets = append(targets, l)
		}
	}
	if len(convs) < len(targets) {
		return errors.Errorf("%s has %d convolutions, backbone needs %d", path, len(convs), len(targets))
	}

	for i, l := range targets {
		kernel, bias := l.Params()[0], l.Params()[1]
		src := convs[i]
		if !tensor.SameShape(kernel.Value.Shape, src.Kernel.Shape) || len(bias.Value.Data) != len(src.Bias.Data) {
			return errors.Errorf("%s: pretrained %s has kernel %v, backbone expects %v",
				l.Spec().Name, src.Node, src.Kernel.Shape, kernel.Value.Shape)
		}
	}
	for i, l := range targets {
		copy(l.Params()[0].Value.Data, convs[i].Kernel.Data)
		copy(l.Params()[1].Value.Data, convs[i].Bias.Data)
		klog.V(2).Infof("%s <- %s", l.Spec().Name, convs[i].Node)
	}
	klog.Infof("Loaded pretrained weights for %d backbone convolutions from %s", len(targets), path)
	return nil
}

// FetchWeights downloads url to dest unless dest already exists. The file
// is written to a temporary name first so an interrupted download never
// leaves a truncated model behind.
func FetchWeights(ctx context.Context, client *http.Client, url, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	if client == nil {
		client = http.DefaultClient
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(dest))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "download %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("download %s: %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		return errors.Wrapf(err, "download %s", url)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return errors.Wrapf(err, "move weights to %s", dest)
	}
	klog.Infof("Downloaded %s (%d bytes) to %s", url, n, dest)
	return nil
}

// ErrWeightsUnavailable is returned when pretrained weights are configured
// but can neither be found nor downloaded.
var ErrWeightsUnavailable = errors.New("pretrained weights unavailable")

// InitBackbone seeds the backbone from path, fetching it from url first
// when the file is missing and url is set. An empty path opts out of
// transfer learning and keeps the random initialisation. A configured
// path that cannot be obtained wraps ErrWeightsUnavailable, and a weights
// file that does not fit the backbone is an error.
func (c *Classifier) InitBackbone(ctx context.Context, path, url string) error {
	if path == "" {
		klog.Warning("No pretrained weights configured, backbone is randomly initialised")
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if url == "" {
			return errors.Wrapf(ErrWeightsUnavailable, "%s not found and no download url is set", path)
		}
		if err := FetchWeights(ctx, nil, url, path); err != nil {
			return errors.Wrapf(ErrWeightsUnavailable, "%s: %v", path, err)
		}
	}
	return c.LoadBackboneWeights(path)
}
