// SPDX-License-Identifier: MIT

package tracking

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// NewRunID returns a fresh 32-char hex run ID.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewExperimentID returns a random decimal experiment ID. IDs are random
// rather than sequential so that merged stores do not collide.
func NewExperimentID() string {
	// 18 digits keeps the value inside an int64 for clients that parse it.
	max := big.NewInt(0).Exp(big.NewInt(10), big.NewInt(18), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		// crypto/rand only fails when the platform entropy source is broken.
		panic(fmt.Sprintf("tracking: generate experiment id: %v", err))
	}
	return n.String()
}

var (
	nameAdjectives = []string{
		"abundant", "able", "amazing", "amusing", "big", "bald", "bold",
		"brawny", "bright", "burly", "calm", "capable", "carefree", "casual",
		"charming", "classy", "clean", "clumsy", "dapper", "dashing",
		"defiant", "eager", "enchanting", "exultant", "fearless", "fun",
		"gaudy", "gentle", "glamorous", "grandiose", "gregarious", "handsome",
		"hilarious", "honorable", "illustrious", "industrious", "intelligent",
		"judicious", "kindly", "languid", "learned", "legendary", "likeable",
		"loud", "luminous", "luxuriant", "magnificent", "marvelous",
		"masked", "melodic", "merciful", "mercurial", "monumental", "mysterious",
		"nebulous", "nimble", "nosy", "omniscient", "orderly", "overjoyed",
		"peaceful", "placid", "polite", "popular", "powerful", "puzzled",
		"rambunctious", "rare", "rebellious", "respected", "resilient",
		"righteous", "receptive", "redolent", "rumbling", "salty", "sassy",
		"secretive", "selective", "sedate", "serious", "shivering", "skillful",
		"sincere", "skittish", "smiling", "sneaky", "spiffy", "stately",
		"suave", "stylish", "tasteful", "thoughtful", "thundering", "traveling",
		"treasured", "trusting", "unequaled", "upset", "unique", "unleashed",
		"useful", "upbeat", "unruly", "valuable", "vaunted", "victorious",
		"welcoming", "whimsical", "wistful", "wise", "worried", "youthful",
		"zealous",
	}
	nameNouns = []string{
		"ant", "ape", "asp", "auk", "bass", "bat", "bear", "bee", "bird",
		"boar", "bug", "calf", "carp", "cat", "chimp", "cod", "colt", "conch",
		"cow", "crab", "crane", "croc", "crow", "cub", "deer", "doe", "dog",
		"dolphin", "donkey", "dove", "duck", "eel", "elk", "fawn", "finch",
		"fish", "flea", "fly", "foal", "fowl", "fox", "frog", "gnat", "gnu",
		"goat", "goose", "grouse", "grub", "gull", "hare", "hawk", "hen",
		"hog", "horse", "hound", "jay", "kit", "kite", "koi", "lamb", "lark",
		"loon", "lynx", "mare", "midge", "mink", "mole", "moose", "moth",
		"mouse", "mule", "newt", "owl", "ox", "panda", "penguin", "perch",
		"pig", "pug", "quail", "ram", "rat", "ray", "robin", "roo", "rook",
		"seal", "shad", "shark", "sheep", "shoat", "shrew", "shrike", "shrimp",
		"skink", "skunk", "sloth", "slug", "smelt", "snail", "snake", "snipe",
		"sow", "sponge", "squid", "squirrel", "stag", "steed", "stoat",
		"stork", "swan", "tern", "toad", "trout", "turtle", "vole", "wasp",
		"whale", "wolf", "worm", "wren", "yak", "zebra",
	}
)

// NewRunName generates a readable random run name such as "clumsy-owl-287".
func NewRunName() string {
	adj := nameAdjectives[randomIndex(len(nameAdjectives))]
	noun := nameNouns[randomIndex(len(nameNouns))]
	num := randomIndex(1000)
	return fmt.Sprintf("%s-%s-%d", adj, noun, num)
}

func randomIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(fmt.Sprintf("tracking: generate random index: %v", err))
	}
	return int(v.Int64())
}
