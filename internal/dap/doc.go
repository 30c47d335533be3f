/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

/*
Package dap brokers byte-stream communication between a remote debugger UI and
external Debug Adapter Protocol (DAP) adapters.

Message bodies are treated as opaque strings; the package only understands the
Content-Length framing used on the wire and a handful of synthetic messages
(disconnect, terminate, output, exited) that it generates itself.

# Key Components

  - FrameDecoder / EncodeFrame: Content-Length framing over arbitrary chunking
  - Launcher: turns an AdapterDescriptor into a StreamConnection
    (child process, forked module, TCP server, named pipe, in-process adapter)
  - Session: the Created → Starting → Active → Stopping → Terminated state machine
    that pumps frames between a StreamConnection and a Channel
  - Registry: process-lifetime map of sessions keyed by id
  - Multiplexer: binds sub-channels addressed as "<namespace>/<session id>" to sessions

# Message Flow

 1. A session is created in the Registry (not started)
 2. The UI opens a channel at "<namespace>/<session id>"
 3. The Multiplexer finds the session, binds the channel and starts the session
 4. The session launches the adapter and forwards frames in both directions
 5. Closing the channel stops the session; the adapter going away closes the channel

Transport failures never cross the channel boundary as Go errors; they are
reported to the UI as "output" (category stderr) and "exited" events.
*/
package dap
