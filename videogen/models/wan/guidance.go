package wan

import (
	"github.com/videotuna/wanvideo/ml"
)

// Compose applies classifier-free guidance:
// uncond + scale*(cond - uncond).
func Compose(cond, uncond *ml.Tensor, scale float32) (*ml.Tensor, error) {
	diff, err := ml.Sub(cond, uncond)
	if err != nil {
		return nil, err
	}
	return ml.Combine(ml.Term{Coef: 1, T: uncond}, ml.Term{Coef: float64(scale), T: diff})
}
