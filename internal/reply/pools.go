// Package reply shapes outbound text: pre-generated response pools for
// the situations where templated wording would feel robotic, and the
// sanitization pipeline that converts model output into chat-ready text.
package reply

import "math/rand"

// Pool is a set of pre-generated response variants, sampled at random so
// repeated hits do not produce identical replies. Pools are built once at
// startup.
type Pool struct {
	variants []string
}

// NewPool creates a pool from the given variants.
func NewPool(variants ...string) *Pool {
	return &Pool{variants: variants}
}

// Sample returns a random variant, or "" for an empty pool.
func (p *Pool) Sample() string {
	if p == nil || len(p.variants) == 0 {
		return ""
	}
	return p.variants[rand.Intn(len(p.variants))]
}

// Size returns the number of variants.
func (p *Pool) Size() int {
	if p == nil {
		return 0
	}
	return len(p.variants)
}

// Contains reports whether text is one of the pool's variants.
func (p *Pool) Contains(text string) bool {
	if p == nil {
		return false
	}
	for _, v := range p.variants {
		if v == text {
			return true
		}
	}
	return false
}

// AckPool acknowledges a request that moved to a background task.
func AckPool() *Pool {
	return NewPool(
		"On it! This one needs some digging, so I'll work on it in the background and post updates here.",
		"Got it, starting now. I'll keep working in this thread and let you know when it's done.",
		"Rolling up my sleeves. This will take a little while; results will land right here.",
		"Starting on this now! I'll post what I find in this thread as soon as it's ready.",
		"Taking this one on. It may take a few minutes, so I'll report back here when I'm done.",
	)
}

// ErrorPool covers a task or request that failed partway through.
func ErrorPool() *Pool {
	return NewPool(
		"I ran into a problem partway through and couldn't finish. Mind trying again, or rephrasing what you need?",
		"Something went wrong on my end while working on this. Please give it another try.",
		"Sorry, that one fell over before I could finish. If you try again I'll pick it up fresh.",
		"I hit an error I couldn't recover from. Could you try again in a bit?",
	)
}

// ApologyPool covers a run that produced no usable text.
func ApologyPool() *Pool {
	return NewPool(
		"Sorry, I lost my train of thought there. Could you ask that again?",
		"Hmm, I came up empty on that one. Mind rephrasing?",
		"I didn't manage to put together a useful answer. Try asking once more?",
		"That didn't come out right on my end. Could you give it another shot?",
	)
}

// BusyPool covers requests shed under load.
func BusyPool() *Pool {
	return NewPool(
		"I'm juggling a lot right now. Give me a moment and try again shortly.",
		"Things are busy on my end at the moment. Can you try again in a minute or two?",
		"I've got a full plate just now. Please resend this in a little while.",
		"Slammed at the moment, sorry! Try me again shortly.",
	)
}

// LoopPool covers a run stopped for repeating the same tool calls.
func LoopPool() *Pool {
	return NewPool(
		"I kept trying the same thing without getting anywhere, so I've stopped. Here's what I have so far; want me to try a different angle?",
		"I was going in circles on that one and cut myself off. A more specific version of the request might work better.",
		"I caught myself repeating the same steps, so I stopped before wasting more time. Happy to retry with a different approach.",
	)
}

// TimeoutPool covers a background task stopped at the duration cap.
func TimeoutPool() *Pool {
	return NewPool(
		"This task ran longer than I allow and I had to stop it. Try breaking it into smaller pieces?",
		"I had to stop: this one passed my time limit. A narrower version might get through.",
		"That took too long and I shut it down to be safe. Want to try a smaller chunk?",
	)
}
