// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model builds the segmentation network and the domain discriminators.
//
// The segmentation network is a compact DeepLab-v2 style model with multi-level outputs:
// a residual encoder ("conv1", "layer1" ... "layer4") and two atrous spatial pyramid
// classifiers, "layer5" on the "layer3" features (auxiliary level) and "layer6" on the "layer4"
// features (main level). Both outputs are upsampled back to the input resolution.
//
// The discriminators are fully convolutional: they map a class-probability map to a map of
// domain logits.
//
// Images are channels-last, shaped [batch, height, width, 3], with values in [-1, 1].
package model

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Scopes of the three trainable modules, relative to the root of the context.
const (
	SegmentationScope      = "segmentation"
	DiscriminatorAuxScope  = "discriminator_aux"
	DiscriminatorMainScope = "discriminator_main"
)

// Hyperparameters, set in the context with ctx.SetParam.
const (
	// ParamNumClasses is the number of segmentation classes. Default is 2.
	ParamNumClasses = "num_classes"

	// ParamChannels is the number of channels of the first encoder block. Each stride-2 stage
	// doubles it. Default is 32.
	ParamChannels = "seg_channels"

	// ParamNormalization selects the normalization in the encoder blocks: "none" (default) or "layer".
	ParamNormalization = "seg_normalization"

	// ParamDiscChannels is the number of channels of the first discriminator convolution. Default is 64.
	ParamDiscChannels = "disc_channels"

	// ParamLeakyReluAlpha is the negative slope used by the discriminators. Default is 0.2.
	ParamLeakyReluAlpha = "disc_leaky_relu_alpha"
)

// ASPPDilations are the dilation rates of the atrous spatial pyramid classifiers.
var ASPPDilations = []int{6, 12, 18, 24}

// CreateDefaultContext returns a context with the default model hyperparameters set.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamNumClasses:     2,
		ParamChannels:       32,
		ParamNormalization:  "none",
		ParamDiscChannels:   64,
		ParamLeakyReluAlpha: 0.2,
	})
	return ctx
}

// Segment runs the segmentation network on images and returns the auxiliary and main logits,
// both shaped [batch, height, width, numClasses].
//
// ctx should be scoped at the segmentation module, see SegmentationScope.
func Segment(ctx *context.Context, images *Node) (aux, main *Node) {
	if images.Rank() != 4 {
		exceptions.Panicf("segmentation expects images shaped [batch, height, width, channels], got %s", images.Shape())
	}
	height, width := images.Shape().Dimensions[1], images.Shape().Dimensions[2]
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 2)
	channels := context.GetParamOr(ctx, ParamChannels, 32)

	x := layers.Convolution(ctx.In("conv1"), images).Channels(channels).KernelSize(3).Strides(2).PadSame().Done()
	x = activations.Relu(x)
	x = residualBlock(ctx.In("layer1"), x, channels, 1, 1)
	x = residualBlock(ctx.In("layer2"), x, 2*channels, 2, 1)
	features3 := residualBlock(ctx.In("layer3"), x, 4*channels, 2, 1)
	features4 := residualBlock(ctx.In("layer4"), features3, 8*channels, 1, 2)

	aux = classifierASPP(ctx.In("layer5"), features3, numClasses)
	main = classifierASPP(ctx.In("layer6"), features4, numClasses)
	aux = Interpolate(aux, -1, height, width, -1).Bilinear().Done()
	main = Interpolate(main, -1, height, width, -1).Bilinear().Done()
	return
}

// residualBlock is a two-convolution block with a shortcut connection. The shortcut gets a 1x1
// projection when the number of channels or the resolution changes.
//
// Only one of stride or dilation can be larger than 1.
func residualBlock(ctx *context.Context, x *Node, channels, stride, dilation int) *Node {
	shortcut := x
	if stride > 1 || x.Shape().Dimensions[3] != channels {
		shortcut = layers.Convolution(ctx.In("downsample"), x).Channels(channels).KernelSize(1).
			Strides(stride).PadSame().UseBias(false).Done()
	}

	conv := layers.Convolution(ctx.In("conv_a"), x).Channels(channels).KernelSize(3).PadSame()
	if stride > 1 {
		conv = conv.Strides(stride)
	} else if dilation > 1 {
		conv = conv.Dilations(dilation)
	}
	x = normalize(ctx.In("norm_a"), conv.Done())
	x = activations.Relu(x)

	conv = layers.Convolution(ctx.In("conv_b"), x).Channels(channels).KernelSize(3).PadSame()
	if dilation > 1 {
		conv = conv.Dilations(dilation)
	}
	x = normalize(ctx.In("norm_b"), conv.Done())
	return activations.Relu(Add(x, shortcut))
}

func normalize(ctx *context.Context, x *Node) *Node {
	switch normalization := context.GetParamOr(ctx, ParamNormalization, "none"); normalization {
	case "none", "":
		return x
	case "layer":
		return layers.LayerNormalization(ctx, x, -1).Done()
	default:
		exceptions.Panicf("invalid normalization %q, set it with parameter %q to \"none\" or \"layer\"",
			normalization, ParamNormalization)
		panic(nil)
	}
}

// classifierASPP sums dilated 3x3 convolutions of x, one per rate in ASPPDilations, each
// projecting directly to the class logits.
func classifierASPP(ctx *context.Context, x *Node, numClasses int) *Node {
	var logits *Node
	for ii, dilation := range ASPPDilations {
		branch := layers.Convolution(ctx.Inf("branch_%d", ii), x).
			Channels(numClasses).KernelSize(3).Dilations(dilation).PadSame().Done()
		if logits == nil {
			logits = branch
		} else {
			logits = Add(logits, branch)
		}
	}
	return logits
}
