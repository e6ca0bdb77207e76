// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package l1

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// ErrBadAddress indicates a malformed producer address in the allowlist
var ErrBadAddress = errors.New("malformed producer address")

// AllowList is a static block producer allowlist. An empty list authorizes
// nobody.
type AllowList struct {
	producers map[common.Address]struct{}
}

// NewAllowList parses the given hex addresses into an allowlist.
func NewAllowList(producers ...string) (*AllowList, error) {
	list := &AllowList{producers: make(map[common.Address]struct{}, len(producers))}
	for _, p := range producers {
		if !common.IsHexAddress(p) {
			return nil, errors.Wrap(ErrBadAddress, p)
		}
		list.producers[common.HexToAddress(p)] = struct{}{}
	}
	return list, nil
}

// IsAuthorizedProducer returns whether the caller is on the allowlist.
func (l *AllowList) IsAuthorizedProducer(caller common.Address) bool {
	_, ok := l.producers[caller]
	return ok
}
