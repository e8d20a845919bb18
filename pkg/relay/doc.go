/*
Package relay proxies SSH connections to VPS tasks. A client opens a TCP
connection to the relay port and writes one line, "HAKU-SSH <task_id>\n".
The relay verifies the task is a VPS in running or paused, dials the
runner node at the task's recorded SSH port, and copies bytes both ways
until either side closes. Refused sessions get a single error line.

The relay keeps no per-session state beyond the two live sockets.
*/
package relay
