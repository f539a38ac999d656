package models

import (
	"errors"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// ErrOverflow is returned when rescaling a price does not fit in 64 bits.
var ErrOverflow = errors.New("price arithmetic overflow")

// Price is a fixed point value: Price * 10^Expo, with confidence Conf in the
// same units.
type Price struct {
	Price       int64         `json:"price"`
	Conf        uint64        `json:"conf"`
	Expo        int32         `json:"expo"`
	PublishTime UnixTimestamp `json:"publish_time"`
}

// PriceFeed pairs the aggregate price of a feed with its EMA.
type PriceFeed struct {
	ID       FeedID `json:"id"`
	Price    Price  `json:"price"`
	EMAPrice Price  `json:"ema_price"`
}

// Decimal returns the price as an exact decimal.
func (p Price) Decimal() decimal.Decimal {
	return decimal.New(p.Price, p.Expo)
}

// ConfDecimal returns the confidence interval as an exact decimal.
func (p Price) ConfDecimal() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(p.Conf), p.Expo)
}

// ScaleToExponent rescales the price to targetExpo. Scaling up divides and
// truncates toward zero; scaling down multiplies and fails with ErrOverflow
// when the result does not fit.
func (p Price) ScaleToExponent(targetExpo int32) (Price, error) {
	delta := int64(targetExpo) - int64(p.Expo)
	price, conf := p.Price, p.Conf

	if delta >= 0 {
		for delta > 0 && (price != 0 || conf != 0) {
			price /= 10
			conf /= 10
			delta--
		}
	} else {
		for delta < 0 {
			if price > math.MaxInt64/10 || price < math.MinInt64/10 {
				return Price{}, ErrOverflow
			}
			if conf > math.MaxUint64/10 {
				return Price{}, ErrOverflow
			}
			price *= 10
			conf *= 10
			delta++
		}
	}

	return Price{
		Price:       price,
		Conf:        conf,
		Expo:        targetExpo,
		PublishTime: p.PublishTime,
	}, nil
}
