package model

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/layers"
)

// Backbone is a VGG-style convolutional feature extractor: an input layer
// followed by blocks of 3×3 ReLU convolutions, each block closed by a 2×2
// max pool. Blocks[i] lists the filter count of every convolution in
// block i+1.
type Backbone struct {
	Name   string
	Blocks [][]int
}

// VGG16 is the convolutional base of VGG16 without its classifier: 19
// layers, 13 of them convolutions.
func VGG16() Backbone {
	return Backbone{
		Name: "vgg16",
		Blocks: [][]int{
			{64, 64},
			{128, 128},
			{256, 256, 256},
			{512, 512, 512},
			{512, 512, 512},
		},
	}
}

// TinyVGG is a two-block backbone for smoke runs on small images.
func TinyVGG() Backbone {
	return Backbone{
		Name:   "tiny_vgg",
		Blocks: [][]int{{8, 8}, {16, 16}},
	}
}

// BackboneByName resolves the configured backbone.
func BackboneByName(name string) (Backbone, error) {
	switch name {
	case "vgg16":
		return VGG16(), nil
	case "tiny_vgg":
		return TinyVGG(), nil
	}
	return Backbone{}, errors.Errorf("unknown backbone %q (available: vgg16, tiny_vgg)", name)
}

// NumLayers counts the input layer, every convolution and every pool.
func (b Backbone) NumLayers() int {
	return 1 + b.NumConvs() + len(b.Blocks)
}

// NumConvs counts the convolution layers.
func (b Backbone) NumConvs() int {
	n := 0
	for _, block := range b.Blocks {
		n += len(block)
	}
	return n
}

// ConvNames returns the convolution layer names in order.
func (b Backbone) ConvNames() []string {
	var names []string
	for i, block := range b.Blocks {
		for j := range block {
			names = append(names, fmt.Sprintf("block%d_conv%d", i+1, j+1))
		}
	}
	return names
}

func (b Backbone) addTo(mb *layers.ModelBuilder) *layers.ModelBuilder {
	mb.AddInput("input_1")
	for i, block := range b.Blocks {
		for j, filters := range block {
			mb.AddConv2D(filters, 3, layers.ReLU, fmt.Sprintf("block%d_conv%d", i+1, j+1))
		}
		mb.AddMaxPool2D(2, fmt.Sprintf("block%d_pool", i+1))
	}
	return mb
}

// Spec compiles the backbone alone for an NCHW input shape.
func (b Backbone) Spec(inputShape []int) (*layers.ModelSpec, error) {
	return b.addTo(layers.NewModelBuilder(inputShape)).Compile()
}
