package neural

import (
	"math"
	"strings"
	"time"
)

// rewardEmojis is the small set whose presence earns a quality bonus.
var rewardEmojis = []string{"😀", "😂", "😉", "🙂", "🤖", "🎉", "🎮", "🔥", "👍", "💜"}

// rewardShape tunes shapeReward per backend: the latency a backend is
// expected to stay under, and the three quality bonuses.
type rewardShape struct {
	targetLatency float64 // seconds; latency penalty saturates here
	lengthBonus   float64 // len(text) > 20
	punctBonus    float64 // contains sentence punctuation
	emojiBonus    float64 // contains a rewarded emoji
}

var (
	localRewardShape = rewardShape{targetLatency: 1.0, lengthBonus: 0.2, punctBonus: 0.1, emojiBonus: 0.15}
	cloudRewardShape = rewardShape{targetLatency: 2.0, lengthBonus: 0.1, punctBonus: 0.05, emojiBonus: 0.075}
)

// shapeReward computes the bandit reward for a successful completion:
// base 1.0 minus a latency penalty of up to 0.3, plus quality bonuses,
// floored at 0.1.
func shapeReward(text string, latency time.Duration, shape rewardShape) float64 {
	reward := 1.0 - math.Min(latency.Seconds()/shape.targetLatency, 1.0)*0.3

	if len([]rune(text)) > 20 {
		reward += shape.lengthBonus
	}
	if strings.ContainsAny(text, ".!?") {
		reward += shape.punctBonus
	}
	for _, e := range rewardEmojis {
		if strings.Contains(text, e) {
			reward += shape.emojiBonus
			break
		}
	}

	return math.Max(reward, 0.1)
}
