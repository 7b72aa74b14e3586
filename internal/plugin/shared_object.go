/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package plugin

import (
	"fmt"
	goplugin "plugin"
)

// NewInstanceSymbol is the symbol a shared-object plugin must export.
// It must have the Factory signature.
const NewInstanceSymbol = "NewInstance"

// openSharedObject opens a Go plugin module. Go never unmaps a module once
// opened, so every module ends up pinned for the life of the process.
func openSharedObject(path string) (Factory, error) {
	mod, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}

	sym, err := mod.Lookup(NewInstanceSymbol)
	if err != nil {
		return nil, err
	}

	switch f := sym.(type) {
	case func(id, path string) (Instance, error):
		return f, nil
	case *func(id, path string) (Instance, error):
		return *f, nil
	case *Factory:
		return *f, nil
	default:
		return nil, fmt.Errorf("%s in %s has unexpected type %T", NewInstanceSymbol, path, sym)
	}
}
