// Package shellproto runs commands one after another on a single long-lived
// interactive shell reached through a stdin writer and a merged output reader.
//
// Every command is followed by a line that prints a per-command marker and the
// command's exit status. The reader separates command output from that marker
// and turns the pair into the OnOutput/OnFinish events of shell.Handler, so any
// byte pipe to a POSIX shell (an SSH session, a local pty) becomes a
// shell.Transport. Shell state such as the working directory and exported
// variables carries over between commands.
package shellproto
