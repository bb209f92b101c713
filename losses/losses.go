// Package losses implements the StyleGAN2 adversarial losses and regularisers.
package losses

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-stylegan/tensor"
)

// DiscriminatorLogistic is mean(softplus(-real)) + mean(softplus(fake)).
func DiscriminatorLogistic(realPred, fakePred *tensor.Tensor) *tensor.Tensor {
	realLoss := tensor.Mean(tensor.Softplus(tensor.Neg(realPred)))
	fakeLoss := tensor.Mean(tensor.Softplus(fakePred))
	return tensor.Add(realLoss, fakeLoss)
}

// GeneratorNonSaturating is mean(softplus(-fake)).
func GeneratorNonSaturating(fakePred *tensor.Tensor) *tensor.Tensor {
	return tensor.Mean(tensor.Softplus(tensor.Neg(fakePred)))
}

// R1Penalty is the squared gradient norm of sum(realPred) with respect to the
// real images, summed over the non-batch dimensions and averaged over the
// batch. realImg must require gradients and realPred must have been computed
// from it. The result stays differentiable with respect to the network.
func R1Penalty(realPred, realImg *tensor.Tensor) (*tensor.Tensor, error) {
	grads, err := tensor.Grad(tensor.Sum(realPred), []*tensor.Tensor{realImg}, true)
	if err != nil {
		return nil, errors.Wrap(err, "r1 gradient")
	}
	batch := realImg.Shape[0]
	perSample := tensor.SumDim(tensor.Reshape(tensor.Square(grads[0]), []int{batch, realImg.Numel() / batch}), 1)
	return tensor.Mean(perSample), nil
}

// PathResult is the outcome of one path-length regularisation step.
type PathResult struct {
	Penalty *tensor.Tensor
	// MeanPathLength is the updated running mean, detached from the graph.
	MeanPathLength float64
	// PathLengths holds one path length per sample.
	PathLengths *tensor.Tensor
}

// PathRegularize penalises deviations of the Jacobian norm between latents
// [batch, nLatent, dim] and fakeImg [batch, C, H, W] from its running mean.
func PathRegularize(rng *rand.Rand, fakeImg, latents *tensor.Tensor, meanPathLength, decay float64) (*PathResult, error) {
	if fakeImg.Dim() != 4 {
		return nil, errors.Errorf("path regularisation expects images [batch, C, H, W], got %v", fakeImg.Shape)
	}
	if latents.Dim() != 3 {
		return nil, errors.Errorf("path regularisation expects latents [batch, nLatent, dim], got %v", latents.Shape)
	}

	h, w := fakeImg.Shape[2], fakeImg.Shape[3]
	noise := tensor.Scale(tensor.RandNLike(rng, fakeImg), 1/math.Sqrt(float64(h*w)))

	grads, err := tensor.Grad(tensor.Sum(tensor.Mul(fakeImg, noise)), []*tensor.Tensor{latents}, true)
	if err != nil {
		return nil, errors.Wrap(err, "path gradient")
	}

	// sqrt(mean over layers of the squared norm over the latent dimension)
	pathLengths := tensor.Sqrt(tensor.MeanDim(tensor.SumDim(tensor.Square(grads[0]), 2), 1))

	pathMean := tensor.AddScalar(tensor.Scale(tensor.Mean(pathLengths), decay), meanPathLength*(1-decay))
	penalty := tensor.Mean(tensor.Square(tensor.Sub(pathLengths, pathMean)))

	return &PathResult{
		Penalty:        penalty,
		MeanPathLength: pathMean.Item(),
		PathLengths:    tensor.Detach(pathLengths),
	}, nil
}

// MSE is the mean squared error between two equally shaped tensors.
func MSE(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if len(a.Shape) != len(b.Shape) || a.Numel() != b.Numel() {
		return nil, errors.Errorf("mse shape mismatch %v vs %v", a.Shape, b.Shape)
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return nil, errors.Errorf("mse shape mismatch %v vs %v", a.Shape, b.Shape)
		}
	}
	return tensor.Mean(tensor.Square(tensor.Sub(a, b))), nil
}
