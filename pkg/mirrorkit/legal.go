package mirrorkit

// LegalNotice provides license notices for Mirrorkit itself and any
// third-party dependencies.
const LegalNotice = `Mirrorkit

Licensed under the terms of the MIT License.

================================================================================
Mirrorkit depends on the following third-party software:
================================================================================

Go, the Go standard library, and the Go crypto, sync, and sys subrepositories.

https://golang.org/
https://github.com/golang/

Copyright (c) 2009 The Go Authors. All rights reserved.

Used under the terms of the 3-Clause BSD License (Google version).


github.com/dustin/go-humanize

Copyright (c) 2005-2008 Dustin Sallings <dustin@spy.net>

Used under the terms of the MIT License.


github.com/edsrzf/mmap-go

Copyright (c) 2011, Evan Shaw <edsrzf@gmail.com>

Used under the terms of the 3-Clause BSD License.


github.com/fatih/color

Copyright (c) 2013 Fatih Arslan

Used under the terms of the MIT License.


github.com/google/uuid

Copyright (c) 2009, 2014 Google Inc. All rights reserved.

Used under the terms of the 3-Clause BSD License.


github.com/mattn/go-colorable and github.com/mattn/go-isatty

Copyright (c) 2016 Yasuhiro Matsumoto

Used under the terms of the MIT License.


github.com/pkg/errors

Copyright (c) 2015, Dave Cheney <dave@cheney.net>

Used under the terms of the 2-Clause BSD License.


github.com/spf13/cobra

Copyright (c) 2013 Steve Francia <spf@spf13.com>

Used under the terms of the Apache License, Version 2.0.


github.com/spf13/pflag

Copyright (c) 2012 Alex Ogier. All rights reserved.
Copyright (c) 2012 The Go Authors. All rights reserved.

Used under the terms of the 3-Clause BSD License.


github.com/inconshreveable/mousetrap

Copyright (c) 2014 Alan Shreve

Used under the terms of the Apache License, Version 2.0.


gopkg.in/yaml.v2

Copyright (c) 2006-2010 Kirill Simonov
Copyright (c) 2011-2019 Canonical Ltd.

Used under the terms of the Apache License, Version 2.0, with portions used
under the terms of the MIT License.
`
