// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Discriminate runs a fully-convolutional domain discriminator on a class-probability map
// shaped [batch, height, width, numClasses], and returns the domain logits shaped
// [batch, height/32, width/32, 1] (rounded up).
//
// It is made of four 4x4 stride-2 convolutions with leaky ReLU, with ndf, 2*ndf, 4*ndf and
// 8*ndf channels, followed by a 4x4 stride-2 convolution classifier with one output channel.
//
// ctx should be scoped at the discriminator module, see DiscriminatorAuxScope and DiscriminatorMainScope.
func Discriminate(ctx *context.Context, probabilities *Node) *Node {
	if probabilities.Rank() != 4 {
		exceptions.Panicf("discriminator expects probabilities shaped [batch, height, width, classes], got %s",
			probabilities.Shape())
	}
	ndf := context.GetParamOr(ctx, ParamDiscChannels, 64)
	alpha := context.GetParamOr(ctx, ParamLeakyReluAlpha, 0.2)

	x := probabilities
	for ii, multiplier := range []int{1, 2, 4, 8} {
		x = layers.Convolution(ctx.Inf("conv%d", ii+1), x).
			Channels(multiplier * ndf).KernelSize(4).Strides(2).PadSame().Done()
		x = activations.LeakyReluWithAlpha(x, alpha)
	}
	return layers.Convolution(ctx.In("classifier"), x).Channels(1).KernelSize(4).Strides(2).PadSame().Done()
}

// Probabilities converts segmentation logits to the class-probability maps fed to the discriminators.
func Probabilities(logits *Node) *Node {
	return Softmax(logits, -1)
}
